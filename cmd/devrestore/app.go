package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/breeze-rmm/devrestore/internal/audit"
	"github.com/breeze-rmm/devrestore/internal/config"
	"github.com/breeze-rmm/devrestore/internal/device"
	"github.com/breeze-rmm/devrestore/internal/firmware"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/restore"
	"github.com/breeze-rmm/devrestore/internal/workerpool"
)

var log = logging.L("main")

const poolShutdownTimeout = 10 * time.Second

// app holds the services every command shares.
type app struct {
	cfg      *config.Config
	sink     *oplog.Log
	health   *health.Monitor
	audit    *audit.Logger
	pool     *workerpool.Pool
	devices  *device.Monitor
	restores *restore.Orchestrator
	logClose io.Closer
}

// loadConfig reads the configuration, applies flag overrides and sets up
// logging before validating, so validation warnings use the chosen format.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	if errs := cfg.Validate(); len(errs) > 0 {
		log.Warn("configuration has problems, continuing with corrected values", "count", len(errs))
	}
	return cfg, closer, nil
}

func newApp() (*app, error) {
	cfg, logClose, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		sink:     oplog.New(),
		health:   health.NewMonitor(),
		logClose: logClose,
	}

	if cfg.AuditEnabled {
		a.audit, err = audit.NewLogger(cfg.DataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			// Running without an audit trail beats refusing to run.
			log.Warn("audit trail unavailable", logging.KeyError, err)
			a.audit = nil
		}
	}

	a.pool = workerpool.New(cfg.MaxWorkers, cfg.WorkerQueueSize)

	a.devices = device.NewMonitor(device.Config{
		USBListTool:   cfg.USBListTool,
		DeviceIDTool:  cfg.DeviceIDTool,
		DetectTimeout: time.Duration(cfg.DetectTimeoutSeconds) * time.Second,
	}, a.sink, device.WithHealth(a.health), device.WithAudit(a.audit))

	a.restores = restore.New(cfg.RestoreTool, a.pool, a.sink, restore.WithAudit(a.audit))
	return a, nil
}

// checkTools records tool availability in the health monitor and returns the
// missing ones.
func (a *app) checkTools() []string {
	return health.CheckTools(a.health, a.cfg.RestoreTool, a.cfg.USBListTool, a.cfg.DeviceIDTool)
}

func (a *app) firmwareDir() string {
	if a.cfg.FirmwareDir != "" {
		return a.cfg.FirmwareDir
	}
	return firmware.DefaultDir()
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	a.pool.Shutdown(ctx)

	if err := a.audit.Close(); err != nil {
		log.Warn("failed to close audit trail", logging.KeyError, err)
	}
	if a.logClose != nil {
		a.logClose.Close()
	}
}
