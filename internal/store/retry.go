package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

// RetryPolicy bounds how long store calls are retried.
type RetryPolicy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// DefaultRetryPolicy returns a policy suitable for an embedded database.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxRetries:      5,
	}
}

// Retry runs op with exponential backoff while it fails with ErrUnavailable.
// Any other error stops the retries and is returned as is. When the policy is
// exhausted the last error is returned wrapped in core.ErrStoreUnavailable.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if p.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, p.MaxRetries)
	}

	err := backoff.Retry(func() error {
		opErr := op()
		if opErr == nil {
			return nil
		}
		if !errors.Is(opErr, ErrUnavailable) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}
	return err
}

// Unavailable marks err as retryable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
