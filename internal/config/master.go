package config

import "os"

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type AppConfig struct {
	DebugMode         bool
	LogLevel          string
	StoreDriver       string
	CoordinatorConfig *CoordinatorConfig
	HTTPConfig        *HTTPConfig
	RedisConfig       *RedisConfig
	PostgresConfig    *PostgresConfig
	JwtConfig         *JwtConfig
}

func NewSystemConfig() *AppConfig {
	return &AppConfig{
		DebugMode:         os.Getenv("DEBUG_MODE") == "true",
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		StoreDriver:       getEnv("STORE_DRIVER", StoreDriverPostgres),
		CoordinatorConfig: NewCoordinatorConfig(),
		HTTPConfig:        NewHTTPConfig(),
		RedisConfig:       NewRedisConfig(),
		PostgresConfig:    NewPostgresConfig(),
		JwtConfig:         NewJwtConfig(),
	}
}
