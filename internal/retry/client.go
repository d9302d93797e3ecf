// Package retry wraps broker calls with bounded, jittered retries on
// transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
)

// Config bounds a retried operation.
type Config struct {
	// MaxRetries counts retries after the first attempt, so an operation
	// makes at most MaxRetries+1 broker calls.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig suits broker mutations inside the trading loop: three broker
// calls total.
var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        time.Minute,
}

// Client retries broker operations classified as transient (KindUnavailable).
// Validation, rejection and fatal errors fail immediately.
type Client struct {
	log    *logrus.Logger
	config Config
}

// NewClient creates a retry client.
func NewClient(log *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{log: log, config: cfg}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// op names the operation for logs.
func (c *Client) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if opCtx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, opCtx.Err())
		}

		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.log.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).
					Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !broker.IsUnavailable(err) || attempt == c.config.MaxRetries {
			break
		}

		c.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).WithError(err).Warn("transient broker failure, retrying")

		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempt(s): %w", op, attempts, lastErr)
}

// nextBackoff grows the delay by 1.5x with up to 25% random jitter.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
