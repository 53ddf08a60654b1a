/*
reconcile.go - Bounded re-fetch after a mutation

PURPOSE:
  The backing store computes derived fields out-of-band (checklist items
  after create, TotalDamageCost after an item update). After such a write
  we re-read the record a bounded number of times with a fixed delay until
  a post-condition holds.

CONTRACT:
  - At most MaxAttempts fetches, Delay between them.
  - The first value satisfying accept is returned with Converged=true.
  - Otherwise the LAST fetched value is returned with Converged=false.
    That value is best-effort, not a correctness guarantee.
  - Fetch errors count as a failed attempt; if no fetch ever succeeded the
    last error is returned.
  - ctx cancellation stops the loop and returns ctx.Err().

  Reconciling an already-converged record returns it on the first attempt,
  so calling Reconcile twice yields the same value.

SEE ALSO:
  - inspection/workflow.go: Awaits items and totals
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ReconcilePolicy bounds a reconcile loop.
type ReconcilePolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultReconcilePolicy re-reads a derived total.
func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{MaxAttempts: 3, Delay: 500 * time.Millisecond}
}

// DefaultPollPolicy waits for checklist items after start.
func DefaultPollPolicy() ReconcilePolicy {
	return ReconcilePolicy{MaxAttempts: 5, Delay: 2 * time.Second}
}

// Outcome is the result of Reconcile.
type Outcome[T any] struct {
	Value     T
	Converged bool
	Attempts  int
}

// Reconcile fetches until accept holds or the policy is exhausted.
func Reconcile[T any](
	ctx context.Context,
	name string,
	policy ReconcilePolicy,
	fetch func(ctx context.Context) (T, error),
	accept func(T) bool,
) (Outcome[T], error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var (
		out     Outcome[T]
		fetched bool
		lastErr error
	)

	rp := retrypolicy.NewBuilder[T]().
		HandleIf(func(v T, err error) bool {
			return err != nil || !accept(v)
		}).
		WithMaxRetries(policy.MaxAttempts - 1).
		WithDelay(policy.Delay).
		Build()

	_, err := failsafe.With(rp).WithContext(ctx).Get(func() (T, error) {
		out.Attempts++
		v, err := fetch(ctx)
		if err != nil {
			lastErr = err
			return v, err
		}
		fetched = true
		out.Value = v
		out.Converged = accept(v)
		return v, nil
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil && !fetched {
		return out, fmt.Errorf("reconcile %s: %w", name, lastErr)
	}
	return out, nil
}
