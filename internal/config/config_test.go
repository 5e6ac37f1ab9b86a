package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "memory", c.Queue.Driver)
	assert.Equal(t, 5*time.Second, c.Provider.Timeout)
	assert.Equal(t, "https://graph.facebook.com/v18.0", c.Provider.BaseURL)
	assert.False(t, c.RequireWebhookSignature)
	assert.Equal(t, "host=localhost port=5432 user=postgres password= dbname=cartnotify sslmode=disable", c.Database.GetDSN())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "shop")
	t.Setenv("QUEUE_DRIVER", "Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PROVIDER_BASE_URL", "http://provider.local/")
	t.Setenv("PROVIDER_TIMEOUT", "2")
	t.Setenv("WORKFLOW_TIMEOUT", "750ms")
	t.Setenv("REQUIRE_WEBHOOK_SIGNATURE", "true")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	c := Load()
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, "db", c.Database.Host)
	assert.Equal(t, 6543, c.Database.Port)
	assert.Equal(t, "shop", c.Database.Database)
	assert.Equal(t, "kafka", c.Queue.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Queue.KafkaBrokers)
	assert.Equal(t, "http://provider.local", c.Provider.BaseURL)
	assert.Equal(t, 2*time.Second, c.Provider.Timeout)
	assert.Equal(t, 750*time.Millisecond, c.Workflow.Timeout)
	assert.True(t, c.RequireWebhookSignature)
	assert.Equal(t, 2.5, c.RateLimitRPS)
}

func TestLoad_BadValuesKeepDefaults(t *testing.T) {
	t.Setenv("DB_PORT", "abc")
	t.Setenv("PROVIDER_TIMEOUT", "soon")

	c := Load()
	assert.Equal(t, 5432, c.Database.Port)
	assert.Equal(t, 5*time.Second, c.Provider.Timeout)
}
