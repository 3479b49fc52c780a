// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/pcanales/ensemble/pkg/config"
	"github.com/pcanales/ensemble/pkg/mcp"
	"github.com/pcanales/ensemble/pkg/plugin"
	"github.com/pcanales/ensemble/pkg/registry"
	"github.com/pcanales/ensemble/pkg/resilience"
	"github.com/pcanales/ensemble/pkg/skill"
	"github.com/pcanales/ensemble/pkg/telemetry"
	"github.com/pcanales/ensemble/pkg/workflow"
)

const version = "dev"

// app owns every long-lived component of one CLI invocation and tears them
// down in reverse order.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *registry.Registry
	metrics *telemetry.DispatchMetrics

	store     *plugin.SQLiteStateStore
	plugins   *plugin.Loader
	skills    *skill.Manager
	workflows *workflow.Orchestrator
	servers   *mcp.Manager

	pluginReport  *plugin.Report
	skillReport   *skill.Report
	workflowDiags []string

	stopTelemetry telemetry.ShutdownFunc
}

// newApp loads configuration, wires the registry and loads every
// contribution source: plugins, skills and workflow definitions. Tool
// server connections are opened on demand, not here.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	stopTelemetry, err := telemetry.InitWithConfig("ensemble", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewDispatchMetrics()
	if err != nil {
		metrics = nil
		logger.Warn("dispatch metrics unavailable", "error", err)
	}

	a := &app{
		cfg:           cfg,
		logger:        logger,
		reg:           registry.New(),
		metrics:       metrics,
		stopTelemetry: stopTelemetry,
	}

	a.store, err = plugin.OpenStateStore(cfg.Plugins.StateDB)
	if err != nil {
		return nil, err
	}
	a.plugins = plugin.NewLoader(a.reg, a.store, cfg.Plugins.Dir, logger,
		plugin.WithQuiet(cfg.Plugins.Quiet),
		plugin.WithMetrics(metrics),
	)
	a.pluginReport, err = a.plugins.LoadAll()
	if err != nil {
		return nil, err
	}

	a.skills = skill.NewManager(a.reg, nil, logger)
	if _, statErr := os.Stat(cfg.Skills.File); statErr == nil {
		a.skillReport, err = a.skills.LoadFile(cfg.Skills.File)
		if err != nil {
			return nil, err
		}
	}

	a.workflows = workflow.NewOrchestrator(a.reg, logger, metrics)
	if cfg.Workflows.File != "" {
		f, err := workflow.Load(cfg.Workflows.File)
		if err != nil {
			return nil, err
		}
		_, a.workflowDiags = workflow.RegisterAll(a.reg, f)
		for _, diag := range a.workflowDiags {
			logger.Warn("workflow definition skipped", "detail", diag)
		}
	}

	a.servers = mcp.NewManager(logger)
	return a, nil
}

// connectServer opens the named tool server connection from configuration.
// Transient spawn failures are retried when the server configures retries;
// handshake failures are deterministic and returned immediately.
func (a *app) connectServer(ctx context.Context, name string) error {
	sc, ok := a.cfg.MCP[name]
	if !ok {
		return errUnknownServer(name)
	}
	connect := func() error {
		err := a.servers.Connect(mcp.ServerConfig{
			Name:    name,
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Timeout: sc.Timeout(),
		})
		if err == nil {
			return nil
		}
		// A catalog fetch failure still leaves a ready connection behind;
		// treat that as connected rather than redialing.
		if conn, ok := a.servers.Conn(name); ok && conn.State() == mcp.StateReady {
			a.logger.Warn("connected without tool catalog", "server", name, "error", err)
			return nil
		}
		return err
	}
	if sc.Retries <= 0 {
		return connect()
	}
	return resilience.DefaultRetryConfig().
		WithMaxAttempts(sc.Retries + 1).
		Do(ctx, connect)
}

// close tears everything down. Disconnects never fail; the rest is best
// effort.
func (a *app) close(ctx context.Context) {
	if a.servers != nil {
		a.servers.Shutdown()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.stopTelemetry != nil {
		_ = a.stopTelemetry(ctx)
	}
}
