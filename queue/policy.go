package queue

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RedeliveryPolicy controls leases, redelivery backoff and dead-lettering.
type RedeliveryPolicy struct {
	// MaxReceiveCount is the number of deliveries a message gets before the
	// next receive dead-letters it.
	// Default: 3
	MaxReceiveCount int

	// VisibilityTimeout is how long a receive hides a message from other
	// receivers. It should exceed the worst-case processing time of a batch.
	// Default: 300s
	VisibilityTimeout time.Duration

	// BackoffBase is the delay before a nacked message is visible again after
	// its first delivery. It doubles with every further delivery. Zero makes
	// nacked messages visible immediately.
	// Default: 5s
	BackoffBase time.Duration

	// BackoffMax caps the redelivery delay.
	// Default: 300s
	BackoffMax time.Duration

	// JitterPercent randomizes each delay by up to this many percent.
	JitterPercent uint64
}

// DefaultRedeliveryPolicy returns the policy used when none is configured.
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{
		MaxReceiveCount:   3,
		VisibilityTimeout: 300 * time.Second,
		BackoffBase:       5 * time.Second,
		BackoffMax:        300 * time.Second,
	}
}

// Validate checks the policy.
func (p RedeliveryPolicy) Validate() error {
	if p.MaxReceiveCount < 1 {
		return fmt.Errorf("%w: MaxReceiveCount must be at least 1", ErrInvalidPolicy)
	}
	if p.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: VisibilityTimeout must be positive", ErrInvalidPolicy)
	}
	if p.BackoffBase < 0 || p.BackoffMax < 0 {
		return fmt.Errorf("%w: backoff cannot be negative", ErrInvalidPolicy)
	}
	if p.BackoffBase > 0 && p.BackoffMax > 0 && p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("%w: BackoffMax is below BackoffBase", ErrInvalidPolicy)
	}
	if p.JitterPercent > 100 {
		return fmt.Errorf("%w: JitterPercent must be at most 100", ErrInvalidPolicy)
	}
	return nil
}

// Exhausted reports whether a message received receiveCount times must be
// dead-lettered instead of delivered again.
func (p RedeliveryPolicy) Exhausted(receiveCount int) bool {
	return receiveCount >= p.MaxReceiveCount
}

// Delay returns how long a message nacked on its receiveCount-th delivery
// stays hidden.
func (p RedeliveryPolicy) Delay(receiveCount int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	if receiveCount < 1 {
		receiveCount = 1
	}

	b := p.backoff()
	var d time.Duration
	for i := 0; i < receiveCount; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

func (p RedeliveryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BackoffBase)
	if p.BackoffMax > 0 {
		b = retry.WithCappedDuration(p.BackoffMax, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return b
}
