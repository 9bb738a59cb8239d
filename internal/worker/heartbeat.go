package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/wire"
)

// Announcer keeps the orchestrator's view of this worker fresh by
// re-registering on a fixed tick. Registration is idempotent on the
// orchestrator side, so the same message doubles as a heartbeat.
type Announcer struct {
	worker *Worker
	base   string
	client *http.Client
}

// NewAnnouncer builds an announcer targeting the orchestrator at base URL.
func NewAnnouncer(w *Worker, base string) *Announcer {
	return &Announcer{
		worker: w,
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run announces immediately and then on every heartbeat interval until ctx
// is cancelled. Failures are logged and retried on the next tick.
func (a *Announcer) Run(ctx context.Context) {
	interval := a.worker.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if err := a.announce(ctx); err != nil {
		logx.Log.Warn().Err(err).Msg("initial registration failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.unregister()
			return
		case <-ticker.C:
			if err := a.announce(ctx); err != nil {
				logx.Log.Warn().Err(err).Msg("registration heartbeat failed")
			}
		}
	}
}

func (a *Announcer) announce(ctx context.Context) error {
	msg := wire.RegisterWorkerRequest{
		ID:            a.worker.cfg.WorkerID,
		Name:          a.worker.cfg.WorkerName,
		Address:       a.worker.cfg.AdvertiseAddr,
		Capabilities:  a.worker.cfg.Capabilities,
		Models:        a.worker.Models(),
		MaxConcurrent: a.worker.cfg.MaxConcurrentInferences,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	}
	return nil
}

// unregister is best-effort on shutdown; the orchestrator's health monitor
// reaps the worker anyway if this never arrives.
func (a *Announcer) unregister() {
	body, _ := json.Marshal(wire.UnregisterWorkerRequest{ID: a.worker.cfg.WorkerID})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/workers/unregister", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
