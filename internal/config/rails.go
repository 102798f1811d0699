package config

import (
	"os"
	"strconv"
	"time"
)

// RailConfig holds settings for one mobile-money / card rail.
type RailConfig struct {
	BaseURL   string
	APIKey    string
	ShortCode string
	Timeout   time.Duration
}

type RailsConfig struct {
	Mpesa    RailConfig
	Airtel   RailConfig
	Paystack RailConfig
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	SenderID   string
	Timeout    time.Duration
}

type ReconcilerConfig struct {
	Interval    time.Duration // how often the sweep runs
	Lookback    time.Duration // a payment must be at least this old to be swept
	BaseBackoff time.Duration
	MaxAttempts int
}

func LoadRailsConfig() *RailsConfig {
	return &RailsConfig{
		Mpesa: RailConfig{
			BaseURL:   getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			APIKey:    getEnv("MPESA_API_KEY", ""),
			ShortCode: getEnv("MPESA_SHORT_CODE", "174379"),
			Timeout:   getEnvAsDuration("MPESA_TIMEOUT", 30*time.Second),
		},
		Airtel: RailConfig{
			BaseURL: getEnv("AIRTEL_BASE_URL", "https://openapiuat.airtel.africa"),
			APIKey:  getEnv("AIRTEL_API_KEY", ""),
			Timeout: getEnvAsDuration("AIRTEL_TIMEOUT", 30*time.Second),
		},
		Paystack: RailConfig{
			BaseURL: getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
			APIKey:  getEnv("PAYSTACK_SECRET_KEY", ""),
			Timeout: getEnvAsDuration("PAYSTACK_TIMEOUT", 30*time.Second),
		},
	}
}

func LoadSMSConfig() *SMSConfig {
	return &SMSConfig{
		GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
		APIKey:     getEnv("SMS_API_KEY", ""),
		SenderID:   getEnv("SMS_SENDER_ID", "CHAMAVAULT"),
		Timeout:    getEnvAsDuration("SMS_TIMEOUT", 10*time.Second),
	}
}

func LoadReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Interval:    getEnvAsDuration("RECONCILER_INTERVAL", 1*time.Minute),
		Lookback:    getEnvAsDuration("RECONCILER_LOOKBACK", 2*time.Minute),
		BaseBackoff: getEnvAsDuration("RECONCILER_BASE_BACKOFF", 30*time.Second),
		MaxAttempts: getEnvAsInt("RECONCILER_MAX_ATTEMPTS", 6),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
