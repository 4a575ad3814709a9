package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	postgres "github.com/fintlabs/payment-reconciler/internal/storage/postgres"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Kafka       KafkaConfig
	Database    postgres.DatabaseConfig
	Gateway     GatewayConfig
}

type HTTPConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	JobsTopic   string
	JobsGroup   string
}

type GatewayConfig struct {
	SecretKey     string
	CallbackToken string
	Settings      gateway.Settings
}

// Load reads configuration from environment variables, applying sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "payment-reconciler"),
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_LISTEN_ADDR", ":3000"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "orders.events.v1"),
			JobsTopic:   getEnv("KAFKA_JOBS_TOPIC", "reconciler.jobs.v1"),
			JobsGroup:   getEnv("KAFKA_JOBS_GROUP_ID", "reconciler-job-workers"),
		},
		Gateway: GatewayConfig{
			SecretKey:     getEnv("GATEWAY_SECRET_KEY", ""),
			CallbackToken: getEnv("GATEWAY_CALLBACK_TOKEN", ""),
			Settings: gateway.Settings{
				BusinessName:       getEnv("MERCHANT_BUSINESS_NAME", "Example Shop"),
				SupportEmail:       getEnv("MERCHANT_SUPPORT_EMAIL", "support@example.local"),
				SupportPhone:       getEnv("MERCHANT_SUPPORT_PHONE", ""),
				StatementSuffix:    getEnv("MERCHANT_STATEMENT_SUFFIX", ""),
				DashboardURL:       getEnv("GATEWAY_DASHBOARD_URL", "https://dashboard.stripe.com"),
				SuccessfulStatuses: successfulStatuses(),
			},
		},
	}

	portStr := getEnv("ORDER_DB_PORT", "5432")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Config{}, fmt.Errorf("parse ORDER_DB_PORT: %w", err)
	}

	cfg.Database = postgres.DatabaseConfig{
		Host:     getEnv("ORDER_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("ORDER_DB_NAME", "reconciler"),
		User:     getEnv("ORDER_DB_USER", "recandmin"),
		Password: getEnv("ORDER_DB_PASSWORD", ""),
	}

	return cfg, nil
}

func successfulStatuses() []string {
	raw := getEnv("GATEWAY_SUCCESSFUL_STATUSES", "")
	if raw == "" {
		return gateway.DefaultSuccessfulStatuses()
	}
	return splitAndTrim(raw)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
