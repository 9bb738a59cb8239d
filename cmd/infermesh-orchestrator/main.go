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
	"github.com/infermesh/infermesh/internal/orchestrator"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.OrchestratorConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "infermesh-orchestrator version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("infermesh-orchestrator version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	logx.Configure(cfg.LogLevel)

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo("orchestrator", version)

	o, err := orchestrator.New(cfg, nil, nil, nil)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("start orchestrator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go o.RunBackground(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logx.Log.Info().Str("addr", addr).Str("strategy", cfg.LoadBalancingStrategy).Msg("orchestrator listening")
	if err := httpx.Serve(ctx, addr, orchestrator.NewHandler(o)); err != nil {
		logx.Log.Fatal().Err(err).Msg("serve")
	}
}
