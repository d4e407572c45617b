package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"screenrelay/cmd/internal/capture"

	"github.com/go-playground/validator"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration. Sources apply in order: defaults, YAML file,
// AGENT_* environment variables, then explicitly set command-line flags.
type Config struct {
	ServerURL            string          `yaml:"server_url" validate:"required,url"`
	PollInterval         time.Duration   `yaml:"poll_interval" validate:"gt=0"`
	MaxConsecutiveErrors int             `yaml:"max_consecutive_errors" validate:"gt=0"`
	RequestTimeout       time.Duration   `yaml:"request_timeout" validate:"gt=0"`
	Region               *capture.Region `yaml:"region"`
	Preset               string          `yaml:"preset"`
	CaptureCommand       string          `yaml:"capture_command"`
	SkipProbe            bool            `yaml:"skip_probe"`

	// ConfigPath is only set from flags or AGENT_CONFIG.
	ConfigPath string `yaml:"-"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:            "http://localhost:8000",
		PollInterval:         2 * time.Second,
		MaxConsecutiveErrors: 5,
		RequestTimeout:       10 * time.Second,
	}
}

// Flags holds values bound to a flag set until Resolve merges them.
type Flags struct {
	fs     *pflag.FlagSet
	values Config
	region string
}

// BindFlags registers agent flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, values: DefaultConfig()}
	v := &f.values

	fs.StringVar(&v.ConfigPath, "config", "", "Path to agent YAML config")
	fs.StringVar(&v.ServerURL, "server", v.ServerURL, "Relay base URL")
	fs.DurationVar(&v.PollInterval, "interval", v.PollInterval, "Poll interval")
	fs.IntVar(&v.MaxConsecutiveErrors, "max-errors", v.MaxConsecutiveErrors, "Consecutive relay errors before giving up")
	fs.DurationVar(&v.RequestTimeout, "request-timeout", v.RequestTimeout, "Timeout for each relay call")
	fs.StringVar(&f.region, "region", "", "Capture region as x,y,width,height")
	fs.StringVar(&v.Preset, "preset", "", "Named capture region (see presets)")
	fs.StringVar(&v.CaptureCommand, "capture-command", "", "Screenshot command containing {file}")
	fs.BoolVar(&v.SkipProbe, "skip-probe", false, "Do not check relay health before polling")
	return f
}

var validate = validator.New()

// Resolve merges every source and validates the result.
func (f *Flags) Resolve() (Config, error) {
	cfg := DefaultConfig()

	path := f.values.ConfigPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AGENT_CONFIG"))
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.ConfigPath = path
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := f.apply(&cfg); err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse agent config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := env("AGENT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := env("AGENT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENT_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := env("AGENT_MAX_CONSECUTIVE_ERRORS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENT_MAX_CONSECUTIVE_ERRORS: %w", err)
		}
		cfg.MaxConsecutiveErrors = n
	}
	if v := env("AGENT_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENT_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	region, preset := env("AGENT_REGION"), env("AGENT_PRESET")
	if region != "" {
		r, err := ParseRegion(region)
		if err != nil {
			return fmt.Errorf("AGENT_REGION: %w", err)
		}
		setRegion(cfg, r, preset == "")
	}
	if preset != "" {
		setPreset(cfg, preset, region == "")
	}
	if v := env("AGENT_CAPTURE_COMMAND"); v != "" {
		cfg.CaptureCommand = v
	}
	return nil
}

func (f *Flags) apply(cfg *Config) error {
	changed := f.fs.Changed
	v := f.values

	if changed("server") {
		cfg.ServerURL = v.ServerURL
	}
	if changed("interval") {
		cfg.PollInterval = v.PollInterval
	}
	if changed("max-errors") {
		cfg.MaxConsecutiveErrors = v.MaxConsecutiveErrors
	}
	if changed("request-timeout") {
		cfg.RequestTimeout = v.RequestTimeout
	}
	if changed("region") {
		r, err := ParseRegion(f.region)
		if err != nil {
			return fmt.Errorf("--region: %w", err)
		}
		setRegion(cfg, r, !changed("preset"))
	}
	if changed("preset") {
		setPreset(cfg, v.Preset, !changed("region"))
	}
	if changed("capture-command") {
		cfg.CaptureCommand = v.CaptureCommand
	}
	if changed("skip-probe") {
		cfg.SkipProbe = v.SkipProbe
	}
	return nil
}

// setRegion applies an explicit region. When it is the only selector at its source it
// replaces a preset inherited from a lower-precedence source.
func setRegion(cfg *Config, r *capture.Region, exclusive bool) {
	cfg.Region = r
	if exclusive {
		cfg.Preset = ""
	}
}

func setPreset(cfg *Config, name string, exclusive bool) {
	cfg.Preset = name
	if exclusive {
		cfg.Region = nil
	}
}

// finalize resolves the preset and validates.
func finalize(cfg Config) (Config, error) {
	if cfg.Preset != "" {
		if cfg.Region != nil {
			return Config{}, errors.New("region and preset are mutually exclusive")
		}
		r, err := capture.ParsePreset(cfg.Preset)
		if err != nil {
			return Config{}, err
		}
		cfg.Region = r
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid agent config: %w", err)
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return Config{}, fmt.Errorf("invalid agent config: server_url %q must be http(s)", cfg.ServerURL)
	}
	return cfg, nil
}

// ParseRegion parses "x,y,width,height".
func ParseRegion(s string) (*capture.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("region %q: want x,y,width,height", s)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", s, err)
		}
		n[i] = v
	}
	r := capture.Region{X: n[0], Y: n[1], Width: n[2], Height: n[3]}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
