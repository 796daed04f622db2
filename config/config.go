/*
Package config loads server settings.

PRECEDENCE (highest first):
  1. command-line flags (--port, --db-driver, --db-dsn, --config)
  2. environment, prefix REDEEM_, dots become underscores
     (REDEEM_DATABASE_DSN, REDEEM_AUTH_JWT_SECRET, ...)
  3. optional YAML file named by --config
  4. defaults below
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "REDEEM"

// DevJWTSecret is only accepted when app.env is development.
const DevJWTSecret = "development-only-secret-change-me-please"

type Config struct {
	App struct {
		Env  string `mapstructure:"env"`
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		CORSOrigins  []string      `mapstructure:"cors_origins"`
	} `mapstructure:"http"`
	Database struct {
		Driver       string        `mapstructure:"driver"`
		DSN          string        `mapstructure:"dsn"`
		BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
		MaxOpenConns int           `mapstructure:"max_open_conns"`
	} `mapstructure:"database"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
		Issuer    string `mapstructure:"issuer"`
	} `mapstructure:"auth"`
	Idempotency struct {
		Backend string        `mapstructure:"backend"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"idempotency"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Auditor struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"auditor"`
	Seed struct {
		Enabled bool   `mapstructure:"enabled"`
		File    string `mapstructure:"file"`
	} `mapstructure:"seed"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func (c *Config) IsProduction() bool { return c.App.Env == "production" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.name", "redemption-engine")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "redemption.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auditor.enabled", true)
	v.SetDefault("auditor.interval", 5*time.Minute)
	v.SetDefault("seed.enabled", false)
	v.SetDefault("seed.file", "")
	v.SetDefault("log.level", "info")
}

// Load parses args (without the program name) and builds the Config.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("redemption-engine", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.Int("port", 0, "HTTP port (overrides http.addr)")
	fs.String("db-driver", "", "sqlite | postgres | memory")
	fs.String("db-dsn", "", "database DSN or SQLite path (\":memory:\" for in-memory)")
	fs.Bool("seed", false, "load the demo catalog into an empty store")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", *configFile)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"database.driver": "db-driver",
		"database.dsn":    "db-dsn",
		"seed.enabled":    "seed",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, errors.Wrap(err, "bind flag")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if fs.Changed("port") {
		port, _ := fs.GetInt("port")
		cfg.HTTP.Addr = fmt.Sprintf(":%d", port)
	}
	if cfg.Auth.JWTSecret == "" && !cfg.IsProduction() {
		cfg.Auth.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return errors.Errorf("database.driver %q: want sqlite, postgres or memory", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		return errors.Errorf("idempotency.backend %q: want memory or redis", c.Idempotency.Backend)
	}
	if c.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.IsProduction() && c.Auth.JWTSecret == DevJWTSecret {
		return errors.New("auth.jwt_secret: development secret used in production")
	}
	if c.Auditor.Enabled && c.Auditor.Interval <= 0 {
		return errors.New("auditor.interval must be positive")
	}
	return nil
}
