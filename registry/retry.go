package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("registry")

// Retrying bounds every lookup of the underlying registry with a timeout
// and retries failed lookups with exponential backoff.
type Retrying struct {
	name       string
	reg        Registry
	timeout    time.Duration
	maxRetries uint64
}

var _ Registry = (*Retrying)(nil)

// NewRetrying wraps reg. name is only used for logging.
func NewRetrying(name string, reg Registry, timeout time.Duration, maxRetries uint64) *Retrying {
	return &Retrying{name: name, reg: reg, timeout: timeout, maxRetries: maxRetries}
}

// Budget returns the longest time a lookup may take across all attempts and backoff waits.
// Callers bounding a lookup with a deadline should allow at least this much.
func (r *Retrying) Budget() time.Duration {
	budget := r.timeout * time.Duration(r.maxRetries+1)
	interval := float64(r.initialInterval())
	for i := uint64(0); i < r.maxRetries; i++ {
		budget += time.Duration(interval * (1 + backoff.DefaultRandomizationFactor))
		interval *= backoff.DefaultMultiplier
	}
	return budget
}

func (r *Retrying) initialInterval() time.Duration {
	return r.timeout / 10
}

// Addresses returns the members of the underlying registry.
func (r *Retrying) Addresses(ctx context.Context) ([]common.Address, error) {
	var members []common.Address
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var err error
		members, err = r.reg.Addresses(cctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("%s registry lookup failed, retrying in %s: %v", r.name, next, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialInterval()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("looking up %s registry: %v", r.name, err)
	}
	return members, nil
}
