// Package config loads the worker's configuration from environment
// variables (via envconfig, the teacher's own choice in this file) with an
// optional YAML overlay for local development.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-driven setting named in spec §6.
type Config struct {
	Environment string `envconfig:"ENV" default:"local"`

	// Request/response queue transport (C8). "" or "local" selects
	// local-test-mode (spec §6) instead of a real SQS client.
	SQSRequestQueueURL  string `envconfig:"SQS_REQUEST_QUEUE_URL" default:""`
	SQSResponseQueueURL string `envconfig:"SQS_RESPONSE_QUEUE_URL" default:""`
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Slot/TTL policy.
	MaxBrowserInstances int `envconfig:"MAX_BROWSER_INSTANCES" default:"5"`
	DefaultTTLMinutes   int `envconfig:"DEFAULT_TTL_MINUTES" default:"30"`
	HardTTLMinutes      int `envconfig:"HARD_TTL_MINUTES" default:"120"`
	BrowserTimeoutMs    int `envconfig:"BROWSER_TIMEOUT" default:"60000"`

	// Logging.
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile  string `envconfig:"LOG_FILE" default:"logs/browser_launcher.log"`

	// Queue polling.
	StatusLogIntervalSeconds int `envconfig:"STATUS_LOG_INTERVAL" default:"10"`
	SQSWaitTimeSeconds       int `envconfig:"SQS_WAIT_TIME_SECONDS" default:"10"`
	SQSMaxBatchSize          int `envconfig:"SQS_MAX_BATCH_SIZE" default:"4"`

	// Callback emitter (C9).
	BrowserAPICallbackEnabled        bool   `envconfig:"BROWSER_API_CALLBACK_ENABLED" default:"false"`
	BrowserAPICallbackURL            string `envconfig:"BROWSER_API_CALLBACK_URL" default:""`
	BrowserAPICallbackTimeoutSeconds int    `envconfig:"BROWSER_API_CALLBACK_TIMEOUT" default:"30"`

	// Chrome launcher (C3).
	UseCustomChromeLauncher bool   `envconfig:"USE_CUSTOM_CHROME_LAUNCHER" default:"false"`
	ChromeLauncherCmd       string `envconfig:"CHROME_LAUNCHER_CMD" default:"C:\\Chrome-RDP\\launch_chrome_port.cmd"`
	ChromePortStart         int    `envconfig:"CHROME_PORT_START" default:"9222"`
	ChromePortEnd           int    `envconfig:"CHROME_PORT_END" default:"9322"`

	// Profile lifecycle (C3/C7).
	ProfileReuseEnabled           bool `envconfig:"PROFILE_REUSE_ENABLED" default:"true"`
	ProfileMaxAgeHours            int  `envconfig:"PROFILE_MAX_AGE_HOURS" default:"24"`
	ProfileCleanupIntervalSeconds int  `envconfig:"PROFILE_CLEANUP_INTERVAL_SECONDS" default:"3600"`

	// Local-test mode (spec §6).
	LocalTestDir              string `envconfig:"LOCAL_TEST_DIR" default:"local_test"`
	LocalCheckIntervalSeconds int    `envconfig:"LOCAL_CHECK_INTERVAL" default:"900"`

	// Ambient ops surface.
	DebugListenAddr string `envconfig:"DEBUG_LISTEN_ADDR" default:"127.0.0.1:9900"`

	// IP discovery (original _get_machine_ip/_get_public_ip_async).
	PublicIPEchoURL string `envconfig:"PUBLIC_IP_ECHO_URL" default:""`

	// Optional YAML overlay path; applied before envconfig defaults are
	// computed so real environment variables still win.
	ConfigFile string `envconfig:"CONFIG_FILE" default:""`
}

// Load reads the YAML overlay (if CONFIG_FILE is set) into the process
// environment, then loads and validates the Config from envconfig.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAMLOverlay(path); err != nil {
			return nil, fmt.Errorf("loading config overlay %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyYAMLOverlay reads a YAML document of string keys/values and sets them
// as environment variables if not already set, so an operator can check in a
// launcher.yaml for local development without overriding a real deployment's
// environment.
func applyYAMLOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var overlay map[string]string
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	for k, v := range overlay {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.MaxBrowserInstances <= 0 {
		return fmt.Errorf("MAX_BROWSER_INSTANCES must be positive")
	}
	if cfg.ChromePortStart <= 0 || cfg.ChromePortEnd < cfg.ChromePortStart {
		return fmt.Errorf("CHROME_PORT_START/CHROME_PORT_END must form a non-empty range")
	}
	if cfg.DefaultTTLMinutes <= 0 {
		return fmt.Errorf("DEFAULT_TTL_MINUTES must be positive")
	}
	if cfg.HardTTLMinutes < cfg.DefaultTTLMinutes {
		return fmt.Errorf("HARD_TTL_MINUTES must be >= DEFAULT_TTL_MINUTES")
	}
	if cfg.SQSMaxBatchSize <= 0 || cfg.SQSMaxBatchSize > 10 {
		return fmt.Errorf("SQS_MAX_BATCH_SIZE must be between 1 and 10")
	}
	return nil
}

// IsLocalMode reports whether the queue adapter should use the local-test
// directory poller instead of a real SQS client (spec §6).
func (c *Config) IsLocalMode() bool {
	return c.SQSRequestQueueURL == "" || c.SQSRequestQueueURL == "local"
}
