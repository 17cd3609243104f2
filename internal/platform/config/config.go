// Package config builds process configuration from environment variables so
// main stays lean. Every knob has a development default; production deploys
// override through the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Server   Server
	Redis    Redis
	Postgres Postgres
	Abuse    Abuse
	OTP      OTP
	Token    Token
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Redis configures the counter store client. Empty URL means Redis is not
// configured and the in-memory counter store is used instead.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres configures the durable tag/owner store. Empty URL means the
// in-memory store is used (development mode).
type Postgres struct {
	URL string
}

// Abuse configures the guard in front of every public endpoint.
type Abuse struct {
	IPLimit     int           // requests per IP per window
	IPWindow    time.Duration // per-IP counting window
	BlockTTL    time.Duration // how long an offending IP stays blocked
	PhoneLimit  int           // OTP requests per phone per window
	PhoneWindow time.Duration // per-phone counting window
	GlobalRPS   float64       // process-wide ceiling; 0 disables
}

// OTP configures the one-time-code lifecycle.
type OTP struct {
	Cooldown    time.Duration // minimum gap between issues for one tag
	TTL         time.Duration // code validity after issue
	MaxAttempts int           // wrong submissions allowed per cycle
}

// Token configures the update capability token.
type Token struct {
	SigningKey string
	TTL        time.Duration
}

// FromEnv builds the full configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: getString("TAGLINK_ADDR", ":8080"),
		},
		Redis: Redis{
			URL:          os.Getenv("TAGLINK_REDIS_URL"),
			PoolSize:     getInt("TAGLINK_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("TAGLINK_REDIS_MIN_IDLE", 2),
			DialTimeout:  getDuration("TAGLINK_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("TAGLINK_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("TAGLINK_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{
			URL: os.Getenv("TAGLINK_DATABASE_URL"),
		},
		Abuse: Abuse{
			IPLimit:     getInt("TAGLINK_IP_LIMIT", 60),
			IPWindow:    getDuration("TAGLINK_IP_WINDOW", 60*time.Second),
			BlockTTL:    getDuration("TAGLINK_IP_BLOCK_TTL", time.Hour),
			PhoneLimit:  getInt("TAGLINK_PHONE_LIMIT", 10),
			PhoneWindow: getDuration("TAGLINK_PHONE_WINDOW", 600*time.Second),
			GlobalRPS:   getFloat("TAGLINK_GLOBAL_RPS", 0),
		},
		OTP: OTP{
			Cooldown:    getDuration("TAGLINK_OTP_COOLDOWN", 120*time.Second),
			TTL:         getDuration("TAGLINK_OTP_TTL", 300*time.Second),
			MaxAttempts: getInt("TAGLINK_OTP_MAX_ATTEMPTS", 5),
		},
		Token: Token{
			// Default for development only; override in production.
			SigningKey: getString("TAGLINK_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			TTL:        getDuration("TAGLINK_UPDATE_TOKEN_TTL", 72*time.Hour),
		},
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are read as seconds, matching the documented knobs.
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
