// Package config holds the daemon's own settings: where to listen, where
// the network configs live and how often to poll.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

// Settings is read from defaults, then a YAML file, then .env / NMS_*
// environment variables; command-line flags are applied last by the caller.
type Settings struct {
	Listen   string `yaml:"listen"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	ClientCA string `yaml:"client_ca"`

	// Store is "file" or "consul".
	Store         string `yaml:"store"`
	ConsulAddr    string `yaml:"consul_addr"`
	ConsulPrefix  string `yaml:"consul_prefix"`
	ConfigDir     string `yaml:"config_dir"`
	InstancesFile string `yaml:"instances_file"`
	WatchConfig   bool   `yaml:"watch_config"`

	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	ScanPolling        bool          `yaml:"scan_polling"`
	ScanPollInterval   time.Duration `yaml:"scan_poll_interval"`
	HAPollInterval     time.Duration `yaml:"ha_poll_interval"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	Concurrency        int           `yaml:"concurrency"`
	ControllerPort     int           `yaml:"controller_port"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	StatusExpiry       time.Duration `yaml:"status_expiry"`
	PollerRestartDelay time.Duration `yaml:"poller_restart_delay"`

	LogConfig string `yaml:"log_config"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Listen:             ":8088",
		Store:              "file",
		ConsulAddr:         "127.0.0.1:8500",
		ConsulPrefix:       "mesh-nms/config",
		ConfigDir:          "./config",
		InstancesFile:      "lab_networks.json",
		RefreshInterval:    5 * time.Second,
		ScanPolling:        true,
		ScanPollInterval:   60 * time.Second,
		HAPollInterval:     5 * time.Second,
		CallTimeout:        4 * time.Second,
		Concurrency:        8,
		ControllerPort:     8080,
		FailureThreshold:   1,
		StatusExpiry:       2 * time.Minute,
		PollerRestartDelay: 5 * time.Second,
		LogConfig:          "<root>=INFO",
	}
}

// LoadFile overlays the YAML file at path onto s. Keys missing from the
// file keep their current value.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("settings file %s", path)
	} else if err != nil {
		return errors.Trace(err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return errors.Annotatef(err, "parse %s", path)
	}
	return nil
}

// LoadDotEnv loads path into the process environment if it exists.
// Variables already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return errors.Annotatef(godotenv.Load(path), "load %s", path)
}

// ApplyEnv overlays NMS_* variables from lookup onto s. NETWORK selects
// the instances file; NMS_INSTANCES_FILE wins when both are set.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var problems []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	str("NETWORK", &s.InstancesFile)
	str("NMS_LISTEN", &s.Listen)
	str("NMS_TLS_CERT", &s.TLSCert)
	str("NMS_TLS_KEY", &s.TLSKey)
	str("NMS_CLIENT_CA", &s.ClientCA)
	str("NMS_STORE", &s.Store)
	str("NMS_CONSUL_ADDR", &s.ConsulAddr)
	str("NMS_CONSUL_PREFIX", &s.ConsulPrefix)
	str("NMS_CONFIG_DIR", &s.ConfigDir)
	str("NMS_INSTANCES_FILE", &s.InstancesFile)
	flag("NMS_WATCH_CONFIG", &s.WatchConfig)
	dur("NMS_REFRESH_INTERVAL", &s.RefreshInterval)
	flag("NMS_SCAN_POLLING", &s.ScanPolling)
	dur("NMS_SCAN_POLL_INTERVAL", &s.ScanPollInterval)
	dur("NMS_HA_POLL_INTERVAL", &s.HAPollInterval)
	dur("NMS_CALL_TIMEOUT", &s.CallTimeout)
	num("NMS_CONCURRENCY", &s.Concurrency)
	num("NMS_CONTROLLER_PORT", &s.ControllerPort)
	num("NMS_FAILURE_THRESHOLD", &s.FailureThreshold)
	dur("NMS_STATUS_EXPIRY", &s.StatusExpiry)
	dur("NMS_POLLER_RESTART_DELAY", &s.PollerRestartDelay)
	str("NMS_LOG_CONFIG", &s.LogConfig)
	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

// ValidationError holds every problem found in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid settings: " + e.Errors[0]
	}
	var b strings.Builder
	b.WriteString("invalid settings:")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, err)
	}
	return b.String()
}

// Validate checks s and reports all problems together.
func (s Settings) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %v", name, d))
		}
	}
	if s.Listen == "" {
		problems = append(problems, "listen address is required")
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		problems = append(problems, "tls_cert and tls_key must be set together")
	}
	if s.ClientCA != "" && s.TLSCert == "" {
		problems = append(problems, "client_ca requires tls_cert and tls_key")
	}
	switch s.Store {
	case "file":
		if s.ConfigDir == "" {
			problems = append(problems, "config_dir is required for the file store")
		}
	case "consul":
		if s.ConsulAddr == "" {
			problems = append(problems, "consul_addr is required for the consul store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported store %q (want file or consul)", s.Store))
	}
	if s.InstancesFile == "" {
		problems = append(problems, "instances_file is required")
	}
	positive("refresh_interval", s.RefreshInterval)
	if s.ScanPolling {
		positive("scan_poll_interval", s.ScanPollInterval)
	}
	positive("ha_poll_interval", s.HAPollInterval)
	positive("call_timeout", s.CallTimeout)
	positive("status_expiry", s.StatusExpiry)
	positive("poller_restart_delay", s.PollerRestartDelay)
	if s.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("concurrency must be at least 1, got %d", s.Concurrency))
	}
	if s.FailureThreshold < 1 {
		problems = append(problems, fmt.Sprintf("failure_threshold must be at least 1, got %d", s.FailureThreshold))
	}
	if s.ControllerPort < 1 || s.ControllerPort > 65535 {
		problems = append(problems, fmt.Sprintf("controller_port %d out of range", s.ControllerPort))
	}
	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

// ConfigureLogging applies s.LogConfig, e.g. "<root>=INFO;nms.poller=DEBUG".
func (s Settings) ConfigureLogging() error {
	if s.LogConfig == "" {
		return nil
	}
	return errors.Annotate(loggo.ConfigureLoggers(s.LogConfig), "log config")
}
