package config

import (
	"log"
	"os"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Storage
	DatabaseURL string

	// HTTP / WebSocket server
	Port        string
	FrontendURL string

	// Polymarket on-chain feed
	AlchemyWSURL string

	// Kalshi REST credentials
	KalshiAPIKeyID   string
	KalshiPrivateKey string // PEM-encoded PKCS#8 RSA key
	KalshiMarkets    string // optional comma-separated ticker allowlist

	// Title cache
	RedisAddr     string
	RedisPassword string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		DatabaseURL: withCloudTLS(mustEnv("DATABASE_URL")),

		Port:        getEnv("PORT", "3000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		AlchemyWSURL: mustEnv("ALCHEMY_WS_URL"),

		KalshiAPIKeyID:   getEnv("KALSHI_API_KEY_ID", ""),
		KalshiPrivateKey: getEnv("KALSHI_PRIVATE_KEY", ""),
		KalshiMarkets:    getEnv("KALSHI_MARKETS", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
	}
}

// KalshiEnabled reports whether Kalshi credentials are configured. Without
// them the Kalshi ingester stays off and the Polymarket feed runs alone.
func (c *Config) KalshiEnabled() bool {
	return c.KalshiAPIKeyID != "" && c.KalshiPrivateKey != ""
}

// KalshiTickers parses the optional market allowlist.
func (c *Config) KalshiTickers() []string {
	if c.KalshiMarkets == "" {
		return nil
	}
	parts := strings.Split(c.KalshiMarkets, ",")
	tickers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tickers = append(tickers, p)
	}
	return tickers
}

// AllowedOrigins returns the origins permitted to open WebSocket connections.
// Empty means no origin restriction.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return nil
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// Managed Postgres providers reject plaintext connections; append
// sslmode=require when the URL targets one and does not say otherwise.
var cloudHostSuffixes = []string{
	".neon.tech",
	".supabase.co",
	".render.com",
	".amazonaws.com",
}

func withCloudTLS(url string) string {
	if strings.Contains(url, "sslmode=") {
		return url
	}
	cloud := false
	for _, suffix := range cloudHostSuffixes {
		if strings.Contains(url, suffix) {
			cloud = true
			break
		}
	}
	if !cloud {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "sslmode=require"
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
