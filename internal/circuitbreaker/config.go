package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// EnvConfig is a breaker configuration read from CB_<PREFIX>_* variables
type EnvConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetRedisConfig returns the Redis breaker configuration (CB_REDIS_*)
func GetRedisConfig() EnvConfig {
	return fromEnv("REDIS", EnvConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetDatabaseConfig returns the SQL store breaker configuration (CB_DB_*)
func GetDatabaseConfig() EnvConfig {
	return fromEnv("DB", EnvConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// GetHTTPConfig returns the outbound HTTP breaker configuration (CB_HTTP_*)
func GetHTTPConfig() EnvConfig {
	return fromEnv("HTTP", EnvConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetStrategyConfig returns the per-strategy breaker configuration (CB_STRATEGY_*).
// Strategies time out routinely, so the failure threshold is higher.
func GetStrategyConfig() EnvConfig {
	return fromEnv("STRATEGY", EnvConfig{
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 8,
		SuccessThreshold: 1,
	})
}

// ToConfig converts an EnvConfig to a breaker Config
func (c EnvConfig) ToConfig() Config {
	return Config{
		MaxRequests:      c.MaxRequests,
		Interval:         c.Interval,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
	}
}

func fromEnv(prefix string, def EnvConfig) EnvConfig {
	p := "CB_" + prefix + "_"
	return EnvConfig{
		MaxRequests:      getEnvUint32(p+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(p+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(p+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(p+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(p+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
