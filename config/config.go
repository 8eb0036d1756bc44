// Package config loads petalquery settings: defaults, then the YAML file,
// then the environment. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalquery/datastore/bigquery"
	"github.com/petal-labs/petalquery/datastore/sqlite"
	"github.com/petal-labs/petalquery/host"
	"github.com/petal-labs/petalquery/mcp"
)

const (
	projectConfigName = "petalquery.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalquery"
)

// Data store drivers.
const (
	DriverBigQuery = "bigquery"
	DriverSQLite   = "sqlite"
)

// Environment variables read by ApplyEnv and handed to the worker.
const (
	EnvProjectID      = "PROJECT_ID"
	EnvLocation       = "LOCATION"
	EnvCredentials    = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvDriver         = "PETALQUERY_DATASTORE"
	EnvSQLiteDatasets = "PETALQUERY_SQLITE_DATASETS"
	EnvGatewayToken   = "PETALQUERY_GATEWAY_TOKEN"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full petalquery configuration.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	DataStore DataStoreConfig `yaml:"datastore"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkerConfig describes how the host spawns and talks to the worker.
type WorkerConfig struct {
	// Command defaults to the running petalquery binary with the "worker"
	// subcommand when empty.
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	ShutdownGrace    time.Duration     `yaml:"shutdown_grace"`
	// ProbeSchedule is a UTC cron expression; empty disables probing.
	ProbeSchedule string `yaml:"probe_schedule,omitempty"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	Token          string        `yaml:"token,omitempty"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DataStoreConfig selects and configures the worker's data store.
type DataStoreConfig struct {
	Driver          string `yaml:"driver"`
	ProjectID       string `yaml:"project_id,omitempty"`
	Location        string `yaml:"location,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	// SQLiteDatasets is "name=path,name=path".
	SQLiteDatasets string `yaml:"sqlite_datasets,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			CallTimeout:      mcp.DefaultCallTimeout,
			HandshakeTimeout: mcp.DefaultHandshakeTimeout,
			ShutdownGrace:    mcp.DefaultShutdownGrace,
		},
		Gateway: GatewayConfig{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   2 * time.Minute,
			RequestTimeout: 90 * time.Second,
		},
		DataStore: DataStoreConfig{Driver: DriverBigQuery},
		Telemetry: TelemetryConfig{ServiceName: "petalquery"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. String
// settings may reference environment variables as ${VAR}; a bare $ is kept
// literally and expanded values are not expanded again.
func Load(path string) (Config, error) {
	cfg := Default()
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.expandEnv()
	if cfg.DataStore.CredentialsFile != "" {
		cfg.DataStore.CredentialsFile = resolveConfigRelative(filepath.Dir(path), cfg.DataStore.CredentialsFile)
	}
	return cfg, nil
}

// DiscoverPath resolves the config location with first-match semantics: the
// explicit path, else petalquery.yaml in the working directory, else
// ~/.petalquery/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Resolve discovers and loads the config file, then applies the process
// environment. A missing implicit file yields the defaults.
func Resolve(explicitPath string) (Config, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if found {
		if cfg, err = Load(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overlays values present in the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	set(&c.DataStore.Driver, EnvDriver)
	set(&c.DataStore.ProjectID, EnvProjectID)
	set(&c.DataStore.Location, EnvLocation)
	set(&c.DataStore.CredentialsFile, EnvCredentials)
	set(&c.DataStore.SQLiteDatasets, EnvSQLiteDatasets)
	set(&c.Gateway.Token, EnvGatewayToken)
	set(&c.Telemetry.OTLPEndpoint, EnvOTLPEndpoint)
}

// Validate checks the host-side settings and reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	positive("worker.call_timeout", c.Worker.CallTimeout)
	positive("worker.handshake_timeout", c.Worker.HandshakeTimeout)
	positive("worker.shutdown_grace", c.Worker.ShutdownGrace)
	if c.Worker.ProbeSchedule != "" {
		if _, err := host.ParseSchedule(c.Worker.ProbeSchedule); err != nil {
			problems = append(problems, "worker.probe_schedule: "+err.Error())
		}
	}
	if strings.TrimSpace(c.Gateway.Addr) == "" {
		problems = append(problems, "gateway.addr is required")
	}
	switch c.DataStore.Driver {
	case DriverBigQuery, DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("datastore.driver %q is not one of %s, %s", c.DataStore.Driver, DriverBigQuery, DriverSQLite))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// BigQuery returns the BigQuery driver settings.
func (d DataStoreConfig) BigQuery() bigquery.Config {
	return bigquery.Config{
		ProjectID:       d.ProjectID,
		Location:        d.Location,
		CredentialsFile: d.CredentialsFile,
	}
}

// SQLite returns the SQLite driver settings.
func (d DataStoreConfig) SQLite() (sqlite.Config, error) {
	datasets, err := sqlite.ParseDatasets(d.SQLiteDatasets)
	if err != nil {
		return sqlite.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return sqlite.Config{Datasets: datasets}, nil
}

// Validate checks the settings the worker needs for its driver.
func (d DataStoreConfig) Validate() error {
	switch d.Driver {
	case DriverBigQuery:
		if err := d.BigQuery().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return nil
	case DriverSQLite:
		cfg, err := d.SQLite()
		if err != nil {
			return err
		}
		if len(cfg.Datasets) == 0 {
			return fmt.Errorf("%w: datastore.sqlite_datasets is required for the sqlite driver", ErrInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown datastore driver %q", ErrInvalid, d.Driver)
	}
}

// WorkerEnv is the environment handed to a spawned worker: the data store
// settings overlaid with worker.env.
func (c Config) WorkerEnv() map[string]string {
	env := make(map[string]string, 5+len(c.Worker.Env))
	put := func(key, value string) {
		if value != "" {
			env[key] = value
		}
	}
	put(EnvDriver, c.DataStore.Driver)
	put(EnvProjectID, c.DataStore.ProjectID)
	put(EnvLocation, c.DataStore.Location)
	put(EnvCredentials, c.DataStore.CredentialsFile)
	put(EnvSQLiteDatasets, c.DataStore.SQLiteDatasets)
	for key, value := range c.Worker.Env {
		env[key] = value
	}
	return env
}

// Process returns the worker process settings. defaultCommand and
// defaultArgs are used when worker.command is empty.
func (c Config) Process(defaultCommand string, defaultArgs ...string) mcp.ProcessConfig {
	command, args := c.Worker.Command, c.Worker.Args
	if command == "" {
		command, args = defaultCommand, defaultArgs
	}
	return mcp.ProcessConfig{
		Command:       command,
		Args:          args,
		Env:           c.WorkerEnv(),
		ShutdownGrace: c.Worker.ShutdownGrace,
	}
}

// Session returns the session template for spawned workers.
func (c Config) Session() mcp.SessionOptions {
	return mcp.SessionOptions{
		CallTimeout:      c.Worker.CallTimeout,
		HandshakeTimeout: c.Worker.HandshakeTimeout,
	}
}

// expandEnv resolves ${VAR} references in the string settings read from the
// file. Each field is expanded exactly once.
func (c *Config) expandEnv() {
	for _, field := range []*string{
		&c.Worker.Command,
		&c.Gateway.Addr,
		&c.Gateway.Token,
		&c.DataStore.ProjectID,
		&c.DataStore.Location,
		&c.DataStore.CredentialsFile,
		&c.DataStore.SQLiteDatasets,
		&c.Telemetry.OTLPEndpoint,
		&c.Telemetry.ServiceName,
	} {
		*field = expandEnvValue(*field)
	}
	for i, arg := range c.Worker.Args {
		c.Worker.Args[i] = expandEnvValue(arg)
	}
	c.Worker.Env = expandStringMap(c.Worker.Env)
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvValue(value string) string {
	if !strings.Contains(value, "${") {
		return value
	}
	return envReference.ReplaceAllStringFunc(value, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
