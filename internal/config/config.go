// Package config loads deployment configuration from the environment, with a
// .env file picked up for local development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	Port        string

	StripeWebhookSecret string
	StripePriceStarter  string
	StripePricePro      string
	StripePriceBusiness string

	ChatAPIKey   string
	ChatBaseURL  string
	ImageAPIKey  string
	ImageBaseURL string

	CORSOrigins  []string
	ImageWorkers int
}

// New loads and validates configuration from environment variables.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        os.Getenv("PORT"),

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceStarter:  os.Getenv("STRIPE_PRICE_STARTER"),
		StripePricePro:      os.Getenv("STRIPE_PRICE_PRO"),
		StripePriceBusiness: os.Getenv("STRIPE_PRICE_BUSINESS"),

		ChatAPIKey:   os.Getenv("CHAT_API_KEY"),
		ChatBaseURL:  os.Getenv("CHAT_BASE_URL"),
		ImageAPIKey:  os.Getenv("IMAGE_API_KEY"),
		ImageBaseURL: os.Getenv("IMAGE_BASE_URL"),

		ImageWorkers: getEnvInt("IMAGE_WORKERS", 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing required env: DATABASE_URL")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("missing required env: STRIPE_WEBHOOK_SECRET")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ImageWorkers <= 0 {
		return nil, fmt.Errorf("IMAGE_WORKERS must be positive")
	}

	origins := os.Getenv("CORS_ORIGINS")
	if origins == "" {
		origins = "http://localhost:3000"
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return "0.0.0.0:" + c.Port
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}
