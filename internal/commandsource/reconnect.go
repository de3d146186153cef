package commandsource

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds how hard the worker tries to get a lost coordinator
// connection back.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func (p ReconnectPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative, got %d", p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("reconnect initial delay must be positive, got %s", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("reconnect max delay %s is below initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// newBackOff yields MaxAttempts delays doubling from InitialDelay up to
// MaxDelay, then backoff.Stop.
func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
}
