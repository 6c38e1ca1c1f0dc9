// Package config loads and validates the terminal configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nmoreaux/cantinad/internal/auth"
)

// Backends for the record store.
const (
	BackendJSON     = "json"
	BackendPostgres = "postgres"
)

type Store struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"` // json backend
	DSN     string `mapstructure:"dsn"`  // postgres backend
}

type Encoder struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Access struct {
	Tolerance      float64 `mapstructure:"tolerance"`
	MealCost       string  `mapstructure:"meal_cost"`
	DefaultBalance string  `mapstructure:"default_balance"`

	mealCost       decimal.Decimal
	defaultBalance decimal.Decimal
}

type Camera struct {
	Enabled     bool          `mapstructure:"enabled"`
	SnapshotURL string        `mapstructure:"snapshot_url"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxFrameAge time.Duration `mapstructure:"max_frame_age"`
}

type Server struct {
	Addr     string        `mapstructure:"addr"`
	JWTKey   string        `mapstructure:"jwt_key"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Account struct {
	Username   string `mapstructure:"username"`
	SecretHash string `mapstructure:"secret_hash"`
	Role       string `mapstructure:"role"`
}

type Auth struct {
	Accounts []Account     `mapstructure:"accounts"`
	MaxFails int           `mapstructure:"max_fails"`
	Window   time.Duration `mapstructure:"window"`
	BlockFor time.Duration `mapstructure:"block_for"`
}

// Config is the full terminal configuration.
type Config struct {
	Store     Store   `mapstructure:"store"`
	ImagesDir string  `mapstructure:"images_dir"`
	AuditLog  string  `mapstructure:"audit_log"`
	Encoder   Encoder `mapstructure:"encoder"`
	Access    Access  `mapstructure:"access"`
	Camera    Camera  `mapstructure:"camera"`
	Server    Server  `mapstructure:"server"`
	Auth      Auth    `mapstructure:"auth"`
}

// Load reads configuration from path (YAML), overridable via CANTINAD_*
// environment variables, applies defaults and validates the result. An
// empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CANTINAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendJSON)
	v.SetDefault("store.path", "data/records.json")
	v.SetDefault("images_dir", "data/images")
	v.SetDefault("audit_log", "data/audit.log")
	v.SetDefault("encoder.url", "http://127.0.0.1:8090")
	v.SetDefault("encoder.timeout", 5*time.Second)
	v.SetDefault("access.tolerance", 0.6)
	v.SetDefault("access.meal_cost", "4.00")
	v.SetDefault("access.default_balance", "50.00")
	v.SetDefault("camera.enabled", false)
	v.SetDefault("camera.interval", 200*time.Millisecond)
	v.SetDefault("camera.max_frame_age", 2*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.token_ttl", 12*time.Hour)
	v.SetDefault("auth.max_fails", 3)
	v.SetDefault("auth.window", 15*time.Minute)
	v.SetDefault("auth.block_for", 15*time.Minute)
}

// Validate checks cross-field constraints and parses the money fields.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendJSON:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path required for json backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}

	if c.Access.Tolerance <= 0 || c.Access.Tolerance >= 1 {
		return fmt.Errorf("config: access.tolerance must be in (0, 1), got %v", c.Access.Tolerance)
	}

	mc, err := decimal.NewFromString(c.Access.MealCost)
	if err != nil {
		return fmt.Errorf("config: access.meal_cost: %w", err)
	}
	if !mc.IsPositive() {
		return fmt.Errorf("config: access.meal_cost must be positive, got %s", mc)
	}
	c.Access.mealCost = mc

	db, err := decimal.NewFromString(c.Access.DefaultBalance)
	if err != nil {
		return fmt.Errorf("config: access.default_balance: %w", err)
	}
	if db.IsNegative() {
		return fmt.Errorf("config: access.default_balance must not be negative, got %s", db)
	}
	c.Access.defaultBalance = db

	if c.Server.JWTKey == "" {
		return fmt.Errorf("config: server.jwt_key is required")
	}
	if c.Camera.Enabled && c.Camera.SnapshotURL == "" {
		return fmt.Errorf("config: camera.snapshot_url required when camera is enabled")
	}

	for _, a := range c.Auth.Accounts {
		if a.Username == "" || a.SecretHash == "" {
			return fmt.Errorf("config: auth account with empty username or secret_hash")
		}
		if a.Role != auth.RoleAdmin && a.Role != auth.RoleStaff {
			return fmt.Errorf("config: auth account %q: unknown role %q", a.Username, a.Role)
		}
	}
	return nil
}

// MealCost returns the parsed meal cost. Valid after Validate.
func (a Access) MealCostDec() decimal.Decimal { return a.mealCost }

// DefaultBalanceDec returns the parsed enrollment balance. Valid after Validate.
func (a Access) DefaultBalanceDec() decimal.Decimal { return a.defaultBalance }

// AuthAccounts converts configured accounts into the auth service's form.
func (c *Config) AuthAccounts() []auth.Account {
	out := make([]auth.Account, 0, len(c.Auth.Accounts))
	for _, a := range c.Auth.Accounts {
		out = append(out, auth.Account{Username: a.Username, SecretHash: a.SecretHash, Role: a.Role})
	}
	return out
}
