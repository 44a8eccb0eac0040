package mq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{URL: "amqp://localhost"}.WithDefaults()
	assert.Equal(t, "class-ledger", cfg.Exchange)
	assert.Equal(t, "class-ledger.upstream", cfg.Queue)
	assert.Equal(t, 16, cfg.Prefetch)
	assert.Equal(t, 1, cfg.ConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.ConnectRetryInterval)

	custom := Config{Exchange: "x", Queue: "q", Prefetch: 1, ConnectRetries: 3}.WithDefaults()
	assert.Equal(t, "x", custom.Exchange)
	assert.Equal(t, "q", custom.Queue)
	assert.Equal(t, 1, custom.Prefetch)
	assert.Equal(t, 3, custom.ConnectRetries)
}
