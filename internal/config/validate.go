package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/breeze-rmm/devrestore/internal/logging"
)

// Validate checks the config for invalid values and returns all errors found.
// Numeric values outside their safe range are clamped. Errors are logged as
// warnings; callers decide which ones are fatal.
func (c *Config) Validate() []error {
	var errs []error

	for key, tool := range map[string]*string{
		"restore_tool":   &c.RestoreTool,
		"usb_list_tool":  &c.USBListTool,
		"device_id_tool": &c.DeviceIDTool,
	} {
		*tool = strings.TrimSpace(*tool)
		if *tool == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		} else if strings.ContainsAny(*tool, "\x00\n\r") {
			errs = append(errs, fmt.Errorf("%s contains control characters", key))
		}
	}

	if c.DetectTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("detect_timeout_seconds %d is below minimum 1, clamping", c.DetectTimeoutSeconds))
		c.DetectTimeoutSeconds = 1
	} else if c.DetectTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("detect_timeout_seconds %d exceeds maximum 120, clamping", c.DetectTimeoutSeconds))
		c.DetectTimeoutSeconds = 120
	}

	// A restore needs three concurrent tasks: two stream readers and the supervisor.
	if c.MaxWorkers < 3 {
		errs = append(errs, fmt.Errorf("max_workers %d is below minimum 3, clamping", c.MaxWorkers))
		c.MaxWorkers = 3
	} else if c.MaxWorkers > 32 {
		errs = append(errs, fmt.Errorf("max_workers %d exceeds maximum 32, clamping", c.MaxWorkers))
		c.MaxWorkers = 32
	}

	if c.WorkerQueueSize < 3 {
		errs = append(errs, fmt.Errorf("worker_queue_size %d is below minimum 3, clamping", c.WorkerQueueSize))
		c.WorkerQueueSize = 3
	} else if c.WorkerQueueSize > 1024 {
		errs = append(errs, fmt.Errorf("worker_queue_size %d exceeds maximum 1024, clamping", c.WorkerQueueSize))
		c.WorkerQueueSize = 1024
	}

	if c.LogLevel != "" && !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("listen_addr %q is not a valid host:port: %w", c.ListenAddr, err))
		}
	}

	if c.AuditMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("audit_max_size_mb %d is below minimum 1, clamping", c.AuditMaxSizeMB))
		c.AuditMaxSizeMB = 1
	}
	if c.AuditMaxBackups < 1 {
		errs = append(errs, fmt.Errorf("audit_max_backups %d is below minimum 1, clamping", c.AuditMaxBackups))
		c.AuditMaxBackups = 1
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
