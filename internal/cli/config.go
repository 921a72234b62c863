package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/srtmcache"
	"github.com/calvinalkan/srtmcache/internal/fetch"
)

var (
	// ErrConfigInvalid marks configuration that was loaded but failed
	// validation or parsing.
	ErrConfigInvalid = errors.New("invalid config")

	// ErrConfigFileNotFound is returned when an explicitly requested config
	// file does not exist.
	ErrConfigFileNotFound = errors.New("config file not found")
)

// ConfigFileName is the project config file looked up in the working
// directory when no explicit --config is given.
const ConfigFileName = ".srtmcache.json"

// EnvPrefix namespaces every environment variable the CLI reads,
// e.g. SRTMCACHE_BASE_URL.
const EnvPrefix = "SRTMCACHE_"

// Config holds all knobs of a srtmget run.
type Config struct {
	OutputDir   string        `env:"OUTPUT_DIR"`
	BaseURL     string        `env:"BASE_URL"`
	Concurrency int           `env:"CONCURRENCY"`
	Retries     int           `env:"RETRIES"`
	Backoff     time.Duration `env:"BACKOFF"`
	Timeout     time.Duration `env:"TIMEOUT"`
	LogLevel    string        `env:"LOG_LEVEL"`

	// EffectiveCwd is the absolute working directory (from -C or os.Getwd).
	EffectiveCwd string

	// OutputDirAbs is OutputDir after ~ expansion, resolved against
	// EffectiveCwd. Commands use this, never OutputDir.
	OutputDirAbs string

	// Sources tracks which files contributed values (for diagnostics).
	Sources ConfigSources
}

// ConfigSources records which optional files were actually loaded.
type ConfigSources struct {
	Global  string // global config file, empty if none
	Project string // project or explicit config file, empty if none
	DotEnv  string // .env file, empty if none
}

// DefaultConfig returns the built-in defaults, the lowest precedence layer.
func DefaultConfig() Config {
	return Config{
		OutputDir:   "~/.cache/srtm",
		BaseURL:     srtmcache.DefaultBaseURL,
		Concurrency: 4,
		Retries:     fetch.DefaultRetries,
		Backoff:     fetch.DefaultBackoff,
		Timeout:     0,
		LogLevel:    "info",
	}
}

// Overrides carries flag values into LoadConfig. Nil fields mean the flag
// was not set on the command line.
type Overrides struct {
	OutputDir   *string
	BaseURL     *string
	Concurrency *int
	Retries     *int
	Backoff     *time.Duration
	Timeout     *time.Duration
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDir    string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value; if empty, ConfigFileName is tried
	Env        map[string]string // environment variables
	Overrides  Overrides         // command line flag values
}

// LoadConfig resolves configuration with the following precedence
// (highest wins):
//
//  1. Defaults
//  2. Global config ($XDG_CONFIG_HOME/srtmcache/config.json or
//     ~/.config/srtmcache/config.json)
//  3. Project config (.srtmcache.json in the working directory, or the
//     explicit --config file)
//  4. SRTMCACHE_* environment variables, with a .env file in the working
//     directory filling in variables the environment does not set
//  5. Command line flags
//
// Config files are JSONC: comments and trailing commas are allowed.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		loaded, err := applyConfigFile(&cfg, globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := projectConfigPath(workDir, input.ConfigPath)

	loaded, err := applyConfigFile(&cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	if err := applyEnv(&cfg, workDir, input.Env); err != nil {
		return Config{}, err
	}

	applyOverrides(&cfg, input.Overrides)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	outputDir, err := expandUser(cfg.OutputDir, input.Env)
	if err != nil {
		return Config{}, err
	}

	if filepath.IsAbs(outputDir) {
		cfg.OutputDirAbs = outputDir
	} else {
		cfg.OutputDirAbs = filepath.Join(workDir, outputDir)
	}

	return cfg, nil
}

// globalConfigPath returns the global config location, preferring
// $XDG_CONFIG_HOME over ~/.config. Empty when neither is set.
func globalConfigPath(environ map[string]string) string {
	if xdg := environ["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "srtmcache", "config.json")
	}

	if home := environ["HOME"]; home != "" {
		return filepath.Join(home, ".config", "srtmcache", "config.json")
	}

	return ""
}

// projectConfigPath resolves the project-level config file. An explicit
// --config path must exist; the default .srtmcache.json is optional.
func projectConfigPath(workDir, configPath string) (string, bool) {
	if configPath != "" {
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		return configPath, true
	}

	return filepath.Join(workDir, ConfigFileName), false
}

// fileConfig is the JSONC shape of a config file. Pointer fields
// distinguish "absent" from "set to the zero value"; durations are
// human-readable strings like "300ms".
type fileConfig struct {
	OutputDir   *string `json:"output_dir"`
	BaseURL     *string `json:"base_url"`
	Concurrency *int    `json:"concurrency"`
	Retries     *int    `json:"retries"`
	Backoff     *string `json:"backoff"`
	Timeout     *string `json:"timeout"`
	LogLevel    *string `json:"log_level"`
}

// applyConfigFile merges one config file into cfg. Returns whether the
// file was loaded. A missing optional file is not an error.
func applyConfigFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return false, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	var file fileConfig

	if err := json.Unmarshal(standardized, &file); err != nil {
		return false, fmt.Errorf("%w %s: invalid JSON: %w", ErrConfigInvalid, path, err)
	}

	if err := mergeFileConfig(cfg, file, path); err != nil {
		return false, err
	}

	return true, nil
}

func mergeFileConfig(cfg *Config, file fileConfig, path string) error {
	if file.OutputDir != nil {
		cfg.OutputDir = *file.OutputDir
	}

	if file.BaseURL != nil {
		cfg.BaseURL = *file.BaseURL
	}

	if file.Concurrency != nil {
		cfg.Concurrency = *file.Concurrency
	}

	if file.Retries != nil {
		cfg.Retries = *file.Retries
	}

	if file.LogLevel != nil {
		cfg.LogLevel = *file.LogLevel
	}

	if file.Backoff != nil {
		backoff, err := time.ParseDuration(*file.Backoff)
		if err != nil {
			return fmt.Errorf("%w %s: backoff: %w", ErrConfigInvalid, path, err)
		}

		cfg.Backoff = backoff
	}

	if file.Timeout != nil {
		timeout, err := time.ParseDuration(*file.Timeout)
		if err != nil {
			return fmt.Errorf("%w %s: timeout: %w", ErrConfigInvalid, path, err)
		}

		cfg.Timeout = timeout
	}

	return nil
}

// applyEnv overlays SRTMCACHE_* variables onto cfg. A .env file in the
// working directory supplies fallbacks; real environment variables win
// over .env entries.
func applyEnv(cfg *Config, workDir string, environ map[string]string) error {
	merged := make(map[string]string, len(environ))

	dotEnvPath := filepath.Join(workDir, ".env")

	fromFile, err := godotenv.Read(dotEnvPath)
	if err == nil {
		for k, v := range fromFile {
			merged[k] = v
		}

		cfg.Sources.DotEnv = dotEnvPath
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w %s: %w", ErrConfigInvalid, dotEnvPath, err)
	}

	for k, v := range environ {
		merged[k] = v
	}

	parseErr := env.ParseWithOptions(cfg, env.Options{
		Environment: merged,
		Prefix:      EnvPrefix,
	})
	if parseErr != nil {
		return fmt.Errorf("%w: environment: %w", ErrConfigInvalid, parseErr)
	}

	return nil
}

func applyOverrides(cfg *Config, overrides Overrides) {
	if overrides.OutputDir != nil {
		cfg.OutputDir = *overrides.OutputDir
	}

	if overrides.BaseURL != nil {
		cfg.BaseURL = *overrides.BaseURL
	}

	if overrides.Concurrency != nil {
		cfg.Concurrency = *overrides.Concurrency
	}

	if overrides.Retries != nil {
		cfg.Retries = *overrides.Retries
	}

	if overrides.Backoff != nil {
		cfg.Backoff = *overrides.Backoff
	}

	if overrides.Timeout != nil {
		cfg.Timeout = *overrides.Timeout
	}
}

func validateConfig(cfg Config) error {
	if cfg.OutputDir == "" {
		return fmt.Errorf("%w: output dir must not be empty", ErrConfigInvalid)
	}

	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: base url must not be empty", ErrConfigInvalid)
	}

	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrConfigInvalid, cfg.Concurrency)
	}

	if cfg.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative, got %d", ErrConfigInvalid, cfg.Retries)
	}

	if cfg.Backoff <= 0 {
		return fmt.Errorf("%w: backoff must be positive, got %s", ErrConfigInvalid, cfg.Backoff)
	}

	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", ErrConfigInvalid, cfg.Timeout)
	}

	return nil
}

// expandUser resolves a leading ~ against HOME from the given environment.
func expandUser(path string, environ map[string]string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home := environ["HOME"]
	if home == "" {
		return "", fmt.Errorf("%w: cannot expand %q: HOME is not set", ErrConfigInvalid, path)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
