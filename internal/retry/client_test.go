package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanghavi/ladderbot/internal/broker"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func newTestClient() *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewClient(log, fastConfig())
}

func unavailable() error {
	return &broker.Error{Kind: broker.KindUnavailable, Op: "test", Msg: "gateway timeout"}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	c := newTestClient()
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	c := newTestClient()
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return unavailable()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	c := newTestClient()
	rejection := &broker.Error{Kind: broker.KindRejected, Op: "test", Msg: "insufficient margin"}
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return rejection
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "rejections must not be retried")
	assert.True(t, errors.Is(err, rejection))
}

func TestDoExhaustsRetries(t *testing.T) {
	c := newTestClient()
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return unavailable()
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
	assert.True(t, broker.IsUnavailable(err), "the broker kind survives wrapping")
}

func TestDoDefaultBudgetIsThreeCalls(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = DefaultConfig.MaxRetries
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewClient(log, cfg)

	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return unavailable()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial call plus two retries")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	c := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return unavailable()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
