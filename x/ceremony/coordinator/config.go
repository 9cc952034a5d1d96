package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dbm "github.com/cosmos/cosmos-db"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/telemetry"
)

// Config is the coordinator daemon configuration.
type Config struct {
	Storage   StorageConfig    `json:"storage" mapstructure:"storage"`
	Ceremony  CeremonyConfig   `json:"ceremony" mapstructure:"ceremony"`
	Beacon    BeaconConfig     `json:"beacon" mapstructure:"beacon"`
	GeoIP     GeoIPConfig      `json:"geoip" mapstructure:"geoip"`
	API       APIConfig        `json:"api" mapstructure:"api"`
	Metrics   MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Telemetry telemetry.Config `json:"telemetry" mapstructure:"telemetry"`
	Log       LogConfig        `json:"log" mapstructure:"log"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	Backend   string `json:"backend" mapstructure:"backend"` // "goleveldb" or "memdb"
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	ParamsDir string `json:"params_dir" mapstructure:"params_dir"`
	KeysDir   string `json:"keys_dir" mapstructure:"keys_dir"`
}

// CeremonyConfig holds ceremony defaults.
type CeremonyConfig struct {
	// TargetParticipants ends the contribution phase automatically once
	// reached. Zero leaves finalization to the operator.
	TargetParticipants uint64 `json:"target_participants" mapstructure:"target_participants"`
	// AcceptTimeout bounds how long a submission waits for the ceremony lock.
	AcceptTimeout time.Duration `json:"accept_timeout" mapstructure:"accept_timeout"`
	// AuditWorkers bounds parallel round verification during audits.
	AuditWorkers int `json:"audit_workers" mapstructure:"audit_workers"`
}

// BeaconSourceConfig names one block lookup.
type BeaconSourceConfig struct {
	Name   string `json:"name" mapstructure:"name"`
	Kind   string `json:"kind" mapstructure:"kind"` // "ethereum" or "static"
	RPCURL string `json:"rpc_url,omitempty" mapstructure:"rpc_url"`
	File   string `json:"file,omitempty" mapstructure:"file"`
}

// BeaconConfig configures beacon verification.
type BeaconConfig struct {
	Sources []BeaconSourceConfig `json:"sources" mapstructure:"sources"`
}

// GeoIPConfig configures country resolution for statistics.
type GeoIPConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DBPath  string `json:"db_path" mapstructure:"db_path"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	ListenAddr         string        `json:"listen_addr" mapstructure:"listen_addr"`
	OperatorSecret     string        `json:"operator_secret" mapstructure:"operator_secret"`
	TokenTTL           time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
	RateLimitPerSecond float64       `json:"rate_limit_per_second" mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	MaxUploadBytes     int64         `json:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	CORSAllowedOrigins []string      `json:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`
	// TrustProxyHeaders takes client addresses from X-Forwarded-For.
	// Enable only behind a reverse proxy.
	TrustProxyHeaders  bool          `json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
	ReadTimeout        time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"` // "json" or "plain"
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns the default configuration rooted at homeDir.
func DefaultConfig(homeDir string) Config {
	return Config{
		Storage: StorageConfig{
			Backend:   string(dbm.GoLevelDBBackend),
			DataDir:   filepath.Join(homeDir, "data"),
			ParamsDir: filepath.Join(homeDir, "data", "params"),
			KeysDir:   filepath.Join(homeDir, "keys"),
		},
		Ceremony: CeremonyConfig{
			TargetParticipants: 0,
			AcceptTimeout:      2 * time.Minute,
			AuditWorkers:       0,
		},
		Beacon: BeaconConfig{Sources: []BeaconSourceConfig{}},
		GeoIP: GeoIPConfig{
			Enabled: false,
		},
		API: APIConfig{
			ListenAddr:         "127.0.0.1:8765",
			TokenTTL:           12 * time.Hour,
			RateLimitPerSecond: 5,
			RateLimitBurst:     10,
			MaxUploadBytes:     8 << 30,
			CORSAllowedOrigins: []string{},
			ReadTimeout:        30 * time.Minute,
			WriteTimeout:       30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9465",
		},
		Telemetry: telemetry.DefaultConfig(),
		Log: LogConfig{
			Level:      "info",
			Format:     "plain",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) // #nosec G304 - configuration path supplied by operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a JSON file.
func SaveConfig(config *Config, filePath string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch dbm.BackendType(c.Storage.Backend) {
	case dbm.GoLevelDBBackend, dbm.MemDBBackend:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.ParamsDir == "" || c.Storage.KeysDir == "" {
		return fmt.Errorf("params and keys directories are required")
	}
	if dbm.BackendType(c.Storage.Backend) != dbm.MemDBBackend && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}

	if c.Ceremony.AcceptTimeout <= 0 {
		return fmt.Errorf("accept timeout must be positive")
	}
	if c.Ceremony.AuditWorkers < 0 {
		return fmt.Errorf("audit workers must be >= 0")
	}

	seen := make(map[string]bool)
	for _, s := range c.Beacon.Sources {
		name := strings.ToLower(s.Name)
		if name == "" {
			return fmt.Errorf("beacon source without a name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate beacon source %q", s.Name)
		}
		seen[name] = true
		switch s.Kind {
		case "ethereum":
			if s.RPCURL == "" {
				return fmt.Errorf("beacon source %q needs an rpc_url", s.Name)
			}
		case "static":
			if s.File == "" {
				return fmt.Errorf("beacon source %q needs a file", s.Name)
			}
		default:
			return fmt.Errorf("beacon source %q has unknown kind %q", s.Name, s.Kind)
		}
	}

	if c.API.RateLimitPerSecond <= 0 || c.API.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.API.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	if c.API.OperatorSecret != "" && len(c.API.OperatorSecret) < 32 {
		return fmt.Errorf("operator secret must be at least 32 characters")
	}
	if c.API.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// OpenBeaconVerifier connects the configured block lookups. The returned
// function releases them.
func (c BeaconConfig) OpenBeaconVerifier(ctx context.Context) (*beacon.Verifier, func(), error) {
	if len(c.Sources) == 0 {
		return nil, func() {}, nil
	}

	var (
		sources []beacon.Source
		closers []func()
	)
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	for _, s := range c.Sources {
		switch s.Kind {
		case "ethereum":
			src, err := beacon.DialEthereum(ctx, s.Name, s.RPCURL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sources = append(sources, src)
			closers = append(closers, src.Close)
		case "static":
			src, err := beacon.LoadStaticSource(s.Name, s.File)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sources = append(sources, src)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("beacon source %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	return beacon.NewVerifier(sources...), closeAll, nil
}
