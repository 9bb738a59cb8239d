package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/httpx"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.WorkerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "infermesh-worker version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("infermesh-worker version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.Normalize()
	logx.Configure(cfg.LogLevel)

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo("worker", version)

	fetcher := worker.NewHTTPFetcher(cfg.ModelManagerURL, true)
	w := worker.New(cfg, fetcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, modelID := range cfg.PreloadModels {
		if _, err := w.LoadModel(ctx, modelID); err != nil {
			logx.Log.Warn().Str("model_id", modelID).Err(err).Msg("preload failed")
		}
	}

	go worker.NewAnnouncer(w, cfg.OrchestratorURL).Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logx.Log.Info().Str("addr", addr).Str("worker_id", cfg.WorkerID).Str("orchestrator", cfg.OrchestratorURL).Msg("worker listening")
	if err := httpx.Serve(ctx, addr, worker.NewHandler(w)); err != nil {
		logx.Log.Fatal().Err(err).Msg("serve")
	}
}
