package config

import "time"

type JwtConfig struct {
	Secret string
	// WorkerSecret signs worker heartbeat tokens; it falls back to Secret.
	WorkerSecret   string
	WorkerTokenTTL time.Duration
}

func NewJwtConfig() *JwtConfig {
	secret := getEnv("JWT_SECRET", "")
	return &JwtConfig{
		Secret:         secret,
		WorkerSecret:   getEnv("WORKER_JWT_SECRET", secret),
		WorkerTokenTTL: time.Duration(getIntEnv("WORKER_TOKEN_TTL_HOURS", 24*30)) * time.Hour,
	}
}
