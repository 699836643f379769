package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr      string
	DBDSN         string
	JWTIssuer     string
	JWTSecret     string
	JWTTTL        time.Duration
	InternalToken string
	Mode          string

	EngineSweepInterval time.Duration
	EngineMatchLimit    int

	FaucetEnabled bool
	FaucetMax     string
}

// Load reads configuration from the environment (PREDMARKET_* variables) and,
// when present, a predmarket.yaml file in the working directory or /etc/predmarket.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PREDMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("predmarket")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/predmarket")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("mode", "development")
	v.SetDefault("jwt_ttl", "24h")
	v.SetDefault("engine_sweep_interval", "300ms")
	v.SetDefault("engine_match_limit", 50)
	v.SetDefault("faucet_enabled", true)
	v.SetDefault("faucet_max", "1000")

	c := Config{
		HTTPAddr:            v.GetString("http_addr"),
		DBDSN:               v.GetString("db_dsn"),
		JWTIssuer:           v.GetString("jwt_issuer"),
		JWTSecret:           v.GetString("jwt_secret"),
		JWTTTL:              v.GetDuration("jwt_ttl"),
		InternalToken:       v.GetString("internal_token"),
		Mode:                strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		EngineSweepInterval: v.GetDuration("engine_sweep_interval"),
		EngineMatchLimit:    v.GetInt("engine_match_limit"),
		FaucetEnabled:       v.GetBool("faucet_enabled"),
		FaucetMax:           v.GetString("faucet_max"),
	}

	var missing []string
	if c.DBDSN == "" {
		missing = append(missing, "PREDMARKET_DB_DSN")
	}
	if c.JWTIssuer == "" {
		missing = append(missing, "PREDMARKET_JWT_ISSUER")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "PREDMARKET_JWT_SECRET")
	}
	if c.Mode != "development" && c.Mode != "production" {
		return c, errors.New("invalid mode: use development or production")
	}
	if len(missing) > 0 {
		return c, errors.New("missing required config: " + strings.Join(missing, ","))
	}
	return c, nil
}
