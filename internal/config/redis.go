package config

type RedisConfig struct {
	DB       int
	Url      string
	Password string
	// Prefix namespaces every key the coordinator writes.
	Prefix string
}

func NewRedisConfig() *RedisConfig {
	return &RedisConfig{
		DB:       getIntEnv("REDIS_DB", 0),
		Url:      getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		Prefix:   getEnv("REDIS_PREFIX", "vmfleet"),
	}
}
