package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds the restore tool paths, shell settings and ambient options.
type Config struct {
	// External tools
	RestoreTool  string `mapstructure:"restore_tool" yaml:"restore_tool"`
	USBListTool  string `mapstructure:"usb_list_tool" yaml:"usb_list_tool"`
	DeviceIDTool string `mapstructure:"device_id_tool" yaml:"device_id_tool"`

	DetectTimeoutSeconds int `mapstructure:"detect_timeout_seconds" yaml:"detect_timeout_seconds"`

	// Firmware discovery; empty means the user's Downloads directory
	FirmwareDir string `mapstructure:"firmware_dir" yaml:"firmware_dir"`

	// HTTP shell
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// Logging
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	// Audit trail
	AuditEnabled    bool   `mapstructure:"audit_enabled" yaml:"audit_enabled"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`
	DataDir         string `mapstructure:"data_dir" yaml:"data_dir"`

	// Background I/O pool
	MaxWorkers      int `mapstructure:"max_workers" yaml:"max_workers"`
	WorkerQueueSize int `mapstructure:"worker_queue_size" yaml:"worker_queue_size"`

	// Restore option defaults offered by the shells
	DefaultErase           bool `mapstructure:"default_erase" yaml:"default_erase"`
	DefaultExcludeBaseband bool `mapstructure:"default_exclude_baseband" yaml:"default_exclude_baseband"`
	DefaultDebug           bool `mapstructure:"default_debug" yaml:"default_debug"`
}

func Default() *Config {
	return &Config{
		RestoreTool:            "idevicerestore",
		USBListTool:            "lsusb",
		DeviceIDTool:           "idevice_id",
		DetectTimeoutSeconds:   10,
		ListenAddr:             "127.0.0.1:8080",
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           10,
		LogMaxBackups:          3,
		AuditEnabled:           true,
		AuditMaxSizeMB:         10,
		AuditMaxBackups:        3,
		MaxWorkers:             4,
		WorkerQueueSize:        16,
		DefaultErase:           true,
		DefaultExcludeBaseband: true,
		DefaultDebug:           true,
	}
}

// Load reads configuration from cfgFile (or devrestore.yaml in the config
// directory or working directory) and DEVRESTORE_* environment variables.
// A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("devrestore")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = GetDataDir()
	}

	return cfg, nil
}

// newViper registers every key with its default so AutomaticEnv can
// override keys that never appear in a file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DEVRESTORE")
	v.AutomaticEnv()
	for key, val := range cfg.values() {
		v.SetDefault(key, val)
	}
	return v
}

func (c *Config) values() map[string]any {
	return map[string]any{
		"restore_tool":             c.RestoreTool,
		"usb_list_tool":            c.USBListTool,
		"device_id_tool":           c.DeviceIDTool,
		"detect_timeout_seconds":   c.DetectTimeoutSeconds,
		"firmware_dir":             c.FirmwareDir,
		"listen_addr":              c.ListenAddr,
		"log_level":                c.LogLevel,
		"log_format":               c.LogFormat,
		"log_file":                 c.LogFile,
		"log_max_size_mb":          c.LogMaxSizeMB,
		"log_max_backups":          c.LogMaxBackups,
		"audit_enabled":            c.AuditEnabled,
		"audit_max_size_mb":        c.AuditMaxSizeMB,
		"audit_max_backups":        c.AuditMaxBackups,
		"data_dir":                 c.DataDir,
		"max_workers":              c.MaxWorkers,
		"worker_queue_size":        c.WorkerQueueSize,
		"default_erase":            c.DefaultErase,
		"default_exclude_baseband": c.DefaultExcludeBaseband,
		"default_debug":            c.DefaultDebug,
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, val := range cfg.values() {
		v.Set(key, val)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "devrestore.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// ConfigDir returns the directory searched for devrestore.yaml.
func ConfigDir() string {
	return configDir()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DevRestore")
	case "darwin":
		return "/Library/Application Support/DevRestore"
	default:
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "devrestore")
		}
		return "/etc/devrestore"
	}
}

// GetDataDir returns the platform-specific data directory (audit trail).
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DevRestore", "data")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "DevRestore")
		}
		return "/Library/Application Support/DevRestore/data"
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "devrestore")
		}
		return "/var/lib/devrestore"
	}
}
