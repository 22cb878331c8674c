package mijia

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// session is the peripheral connection scoped to a single read procedure
type session struct {
	transport  Transport
	address    string
	iface      int
	peripheral Peripheral
}

// reconnect opens the session on first use and re-establishes it afterwards
func (s *session) reconnect(ctx context.Context) error {
	if s.peripheral == nil {
		p, err := s.transport.Connect(ctx, s.address, s.iface)
		if err != nil {
			return err
		}
		s.peripheral = p
		return nil
	}
	return s.peripheral.Reconnect(ctx)
}

func (s *session) close() error {
	if s.peripheral == nil {
		return nil
	}
	err := s.peripheral.Close()
	s.peripheral = nil
	return err
}

// operation is one characteristic exchange run under the retry policy
type operation func(ctx context.Context, p Peripheral) error

// retryPolicy re-runs an operation after reconnecting whenever it fails with
// a connection error. The loop is bounded by wall-clock time measured from the
// first attempt, not by an attempt count.
type retryPolicy struct {
	budget time.Duration
	delay  time.Duration
	logger zerolog.Logger
}

// run executes op on s. Errors other than ErrConnection are returned as-is
// after the first attempt. When the budget elapses the result wraps
// ErrRetryBudgetExhausted.
func (r retryPolicy) run(ctx context.Context, s *session, name string, op operation) error {
	opCtx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	needReconnect := s.peripheral == nil
	for attempt := 1; ; attempt++ {
		var err error
		if needReconnect {
			err = s.reconnect(opCtx)
		}
		if err == nil {
			if err = op(opCtx, s.peripheral); err == nil {
				return nil
			}
		}
		if !IsConnectionError(err) {
			return err
		}
		needReconnect = true

		r.logger.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Msg("BT connection error")

		select {
		case <-opCtx.Done():
		case <-time.After(r.delay):
		}
		if opCtx.Err() != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", name, ctx.Err())
			}
			return fmt.Errorf("%w: %s after %d attempts in %s: %v", ErrRetryBudgetExhausted, name, attempt, r.budget, err)
		}
	}
}
