package redis

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestClientKey(t *testing.T) {
	c := &Client{prefix: "ohlcvault"}
	assert.Equal(t, "ohlcvault:lock:AAPL:1d", c.key("lock", "AAPL:1d"))

	bare := &Client{}
	assert.Equal(t, "ratelimit:k", bare.key("ratelimit", "k"))
}

func TestClassify(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network", opErr, true},
		{"deadline", context.DeadlineExceeded, true},
		{"nil reply", redis.Nil, false},
		{"script error", errors.New("ERR bad script"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.transient, errors.Is(got, domain.ErrTransient))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
