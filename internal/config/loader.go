// Package config loads foldwatch settings from defaults, an optional YAML
// file, a .env file, FOLDWATCH_* environment variables and runtime overrides,
// in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file and the user config directory.
	AppName = "foldwatch"

	// EnvPrefix is prepended to every mapped environment variable.
	EnvPrefix = "FOLDWATCH_"

	// EnvFile is loaded from the working directory when present. Variables
	// already set in the environment win.
	EnvFile = ".env"
)

type Config struct {
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Polling PollingConfig `mapstructure:"polling" yaml:"polling"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	S3      S3Config      `mapstructure:"s3" yaml:"s3"`
}

type BackendConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type PollingConfig struct {
	HistoryInterval  time.Duration `mapstructure:"history_interval" yaml:"history_interval"`
	StatusInterval   time.Duration `mapstructure:"status_interval" yaml:"status_interval"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	PollTerminal     bool          `mapstructure:"poll_terminal" yaml:"poll_terminal"`
	DegradedAfter    int           `mapstructure:"degraded_after" yaml:"degraded_after"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type OutputConfig struct {
	// Dir is a local directory or an s3://bucket/prefix URI.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type S3Config struct {
	Region         string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Profile        string `mapstructure:"profile" yaml:"profile,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.RequestTimeout < 0 {
		errs = append(errs, errors.New("backend.request_timeout must not be negative"))
	}
	if c.Backend.RateLimit < 0 {
		errs = append(errs, errors.New("backend.rate_limit must not be negative"))
	}
	if c.Polling.HistoryInterval <= 0 {
		errs = append(errs, errors.New("polling.history_interval must be positive"))
	}
	if c.Polling.StatusInterval <= 0 {
		errs = append(errs, errors.New("polling.status_interval must be positive"))
	}
	if c.Polling.ProgressInterval <= 0 {
		errs = append(errs, errors.New("polling.progress_interval must be positive"))
	}
	if c.Polling.DegradedAfter < 1 {
		errs = append(errs, errors.New("polling.degraded_after must be at least 1"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var envBindings = []struct {
	suffix string
	path   string
}{
	{"BACKEND_URL", "backend.url"},
	{"REQUEST_TIMEOUT", "backend.request_timeout"},
	{"RATE_LIMIT", "backend.rate_limit"},
	{"HISTORY_INTERVAL", "polling.history_interval"},
	{"STATUS_INTERVAL", "polling.status_interval"},
	{"PROGRESS_INTERVAL", "polling.progress_interval"},
	{"POLL_TERMINAL", "polling.poll_terminal"},
	{"DEGRADED_AFTER", "polling.degraded_after"},
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"CORS_ORIGINS", "server.cors_origins"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"OUTPUT_DIR", "output.dir"},
	{"S3_REGION", "s3.region"},
	{"S3_ENDPOINT", "s3.endpoint"},
	{"S3_PROFILE", "s3.profile"},
	{"S3_FORCE_PATH_STYLE", "s3.force_path_style"},
}

// EnvSpecs lists every environment variable Load reads.
func EnvSpecs() []EnvSpec {
	return getEnvSpecs()
}

func getEnvSpecs() []EnvSpec {
	specs := make([]EnvSpec, 0, len(envBindings))
	for _, b := range envBindings {
		specs = append(specs, EnvSpec{Name: EnvPrefix + b.suffix, Path: b.path})
	}
	return specs
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
	loadedFrom string
)

// SetConfigFile pins the config file used by Load. An empty path restores
// discovery of foldwatch.yaml in the working and user config directories.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// ConfigFileUsed returns the file the last Load read, or "".
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return loadedFrom
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:5000")
	v.SetDefault("backend.request_timeout", 30*time.Second)
	v.SetDefault("backend.rate_limit", 0.0)

	v.SetDefault("polling.history_interval", 10*time.Second)
	v.SetDefault("polling.status_interval", 3*time.Second)
	v.SetDefault("polling.progress_interval", 10*time.Second)
	v.SetDefault("polling.poll_terminal", false)
	v.SetDefault("polling.degraded_after", 3)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("output.dir", ".")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// getUserConfigPaths lists the directories searched for foldwatch.yaml.
func getUserConfigPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, cwd)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func loadDotEnv() error {
	err := godotenv.Load(EnvFile)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", EnvFile, err)
}

// Load builds the effective configuration and stores it for GetConfig.
// Each overrides map is merged on top in order, so later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.CORSOrigins = trimAll(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	loadedFrom = v.ConfigFileUsed()
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flatten turns nested override maps into dotted viper keys so that
// overrides land in viper's top precedence layer.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
