// Package backoff is the single reconnect policy used by the client
// connection manager and by the relay's upstream reconnect.
package backoff

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy yields delay k = Base * 2^k clamped to Cap for k < MaxAttempts.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Default is 500ms doubling up to 8s, five attempts.
func Default() Policy {
	return Policy{Base: 500 * time.Millisecond, Cap: 8 * time.Second, MaxAttempts: 5}
}

func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("invalid backoff base %s: must be positive", p.Base)
	}
	if p.Cap < p.Base {
		return fmt.Errorf("invalid backoff cap %s: below base %s", p.Cap, p.Base)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("invalid backoff max attempts %d", p.MaxAttempts)
	}
	return nil
}

// New returns a fresh sequence. Next reports stop once MaxAttempts delays
// have been handed out. The policy must be valid.
func (p Policy) New() retry.Backoff {
	b := retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts), b)
}
