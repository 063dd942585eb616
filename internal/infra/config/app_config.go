// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/takbridge/internal/domain/destination"
)

// APIServerConfig configures the control API.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN keeps destinations in the YAML file only.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// SeedFromConfig copies YAML destinations into an empty database on startup.
	SeedFromConfig bool `yaml:"seedFromConfig"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// CertConfig references client certificate material on disk.
// Relative paths resolve against the configuration file's directory.
type CertConfig struct {
	Format      string `yaml:"format,omitempty"`
	CertFile    string `yaml:"certFile,omitempty"`
	KeyFile     string `yaml:"keyFile,omitempty"`
	CAFile      string `yaml:"caFile,omitempty"`
	P12File     string `yaml:"p12File,omitempty"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"passwordEnv,omitempty"`
}

// DestinationConfig describes one TAK server.
type DestinationConfig struct {
	ID         int64       `yaml:"id"`
	Name       string      `yaml:"name,omitempty"`
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	Transport  string      `yaml:"transport,omitempty"`
	VerifyPeer *bool       `yaml:"verifyPeer,omitempty"`
	Enabled    *bool       `yaml:"enabled,omitempty"`
	Cert       *CertConfig `yaml:"cert,omitempty"`
}

// Descriptor converts the entry without loading certificate files.
func (d DestinationConfig) Descriptor() (destination.Destination, error) {
	transport, err := destination.ParseTransport(d.Transport)
	if err != nil {
		return destination.Destination{}, fmt.Errorf("destination %d: %w", d.ID, err)
	}
	dest := destination.Destination{
		ID:         d.ID,
		Name:       strings.TrimSpace(d.Name),
		Host:       strings.TrimSpace(d.Host),
		Port:       d.Port,
		Transport:  transport,
		VerifyPeer: d.VerifyPeer == nil || *d.VerifyPeer,
		Enabled:    d.Enabled == nil || *d.Enabled,
	}
	if err := dest.Validate(); err != nil {
		return destination.Destination{}, err
	}
	return dest, nil
}

// Destination converts the entry and loads its certificate bundle from baseDir.
func (d DestinationConfig) Destination(baseDir string) (destination.Destination, error) {
	dest, err := d.Descriptor()
	if err != nil {
		return destination.Destination{}, err
	}
	if d.Cert == nil {
		return dest, nil
	}
	bundle, err := d.Cert.load(baseDir)
	if err != nil {
		return destination.Destination{}, fmt.Errorf("destination %d: %w", d.ID, err)
	}
	dest.ClientCert = bundle
	dest.Normalise()
	return dest, nil
}

func (c CertConfig) load(baseDir string) (*destination.CertBundle, error) {
	read := func(label, path string) ([]byte, error) {
		if strings.TrimSpace(path) == "" {
			return nil, nil
		}
		resolved := strings.TrimSpace(path)
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		data, err := os.ReadFile(filepath.Clean(resolved)) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", label, err)
		}
		return data, nil
	}

	bundle := &destination.CertBundle{
		Format:   destination.CertFormat(strings.ToLower(strings.TrimSpace(c.Format))),
		Password: c.Password,
	}
	if c.PasswordEnv != "" {
		bundle.Password = os.Getenv(c.PasswordEnv)
	}
	var err error
	if bundle.Cert, err = read("certFile", c.CertFile); err != nil {
		return nil, err
	}
	if bundle.Key, err = read("keyFile", c.KeyFile); err != nil {
		return nil, err
	}
	if bundle.CA, err = read("caFile", c.CAFile); err != nil {
		return nil, err
	}
	if bundle.P12, err = read("p12File", c.P12File); err != nil {
		return nil, err
	}
	return bundle, nil
}

// AppConfig is the unified takbridge configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment         `yaml:"environment"`
	Destinations []DestinationConfig `yaml:"destinations"`
	APIServer    APIServerConfig     `yaml:"apiServer"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Database     DatabaseConfig      `yaml:"database"`
	Runtime      RuntimeConfig       `yaml:"runtime"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment:  EnvDev,
		Destinations: nil,
		APIServer:    APIServerConfig{Addr: ":8087"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "takbridge",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		Database: DatabaseConfig{},
		Runtime:  DefaultRuntimeConfig(),
	}
	_ = cfg.normalise()
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	cloned := c
	cloned.Runtime = c.Runtime.Clone()
	if c.Destinations != nil {
		cloned.Destinations = make([]DestinationConfig, len(c.Destinations))
		for i, d := range c.Destinations {
			d.VerifyPeer = cloneBool(d.VerifyPeer)
			d.Enabled = cloneBool(d.Enabled)
			if d.Cert != nil {
				cert := *d.Cert
				d.Cert = &cert
			}
			cloned.Destinations[i] = d
		}
	}
	return cloned
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	cfg.Runtime = RuntimeConfig{}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to defaults when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	return AppConfig{}, false, err
}

// SaveAppConfig writes cfg as YAML, replacing the file atomically.
func SaveAppConfig(path string, cfg AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(path, data)
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	for i := range c.Destinations {
		d := &c.Destinations[i]
		d.Name = strings.TrimSpace(d.Name)
		d.Host = strings.TrimSpace(d.Host)
		d.Transport = strings.ToLower(strings.TrimSpace(d.Transport))
		if d.Transport == "" {
			d.Transport = string(destination.TransportTCP)
		}
	}

	c.Database.applyDefaults()
	c.Runtime.Normalise()

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	seen := make(map[int64]struct{}, len(c.Destinations))
	for _, d := range c.Destinations {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate destination id %d", d.ID)
		}
		seen[d.ID] = struct{}{}
		if _, err := d.Descriptor(); err != nil {
			return fmt.Errorf("destinations: %w", err)
		}
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	return nil
}

// LoadDestinations converts every configured destination, reading certificate files relative to baseDir.
func (c AppConfig) LoadDestinations(baseDir string) ([]destination.Destination, error) {
	out := make([]destination.Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		dest, err := d.Destination(baseDir)
		if err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	return out, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
