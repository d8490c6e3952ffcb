package cmd

import (
	"context"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/run"
	"github.com/relex/slog-relay/util"
)

type runCommandState struct {
	Config      string `help:"Configuration file path"`
	MetricsAddr string `help:"The listener address to expose Prometheus metrics and debug information"`
	TestMode    bool   `help:"Use test mode config: short timeouts and fast reporting"`
}

var runCmd runCommandState = runCommandState{
	Config:      "config.yml",
	MetricsAddr: ":9335",
	TestMode:    false,
}

func (cmd *runCommandState) run(_ []string) {
	if cmd.TestMode {
		defs.EnableTestMode()
	}

	// fail before anything is launched
	cfg, err := run.LoadConfigFile(cmd.Config)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("loaded %s: source=%s upstream=%s mode=%s", cmd.Config, cfg.Source.Invocation,
		cfg.Upstream.Address, cfg.Forward.MessageMode)
	masked := *cfg
	if masked.Upstream.Secret != "" {
		masked.Upstream.Secret = "******"
	}
	if effective, err := util.MarshalYaml(&masked); err == nil {
		logger.Debug("effective config:\n", effective)
	}

	msrv := util.LaunchMetricsListener(cmd.MetricsAddr)

	run.Run(cfg)

	if err := msrv.Shutdown(context.Background()); err != nil {
		logger.Errorf("error shutting down metrics listener: %v", err)
	}
}
