package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/generic"
)

var fast = generic.ReconcilePolicy{MaxAttempts: 3, Delay: time.Millisecond}

// counter returns successive values from seq, repeating the last one.
func counter(seq ...int) (func(context.Context) (int, error), *int) {
	calls := 0
	return func(context.Context) (int, error) {
		i := calls
		calls++
		if i >= len(seq) {
			i = len(seq) - 1
		}
		return seq[i], nil
	}, &calls
}

func TestReconcile_ConvergesOnFirstAcceptedValue(t *testing.T) {
	fetch, calls := counter(0, 0, 7)

	out, err := generic.Reconcile(context.Background(), "test", fast, fetch, func(v int) bool { return v == 7 })

	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.Equal(t, 7, out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, *calls)
}

func TestReconcile_Idempotent(t *testing.T) {
	// GIVEN: A record that already satisfies the post-condition
	fetch, _ := counter(7)
	accept := func(v int) bool { return v == 7 }

	// WHEN: Reconciling twice
	first, err := generic.Reconcile(context.Background(), "test", fast, fetch, accept)
	require.NoError(t, err)
	second, err := generic.Reconcile(context.Background(), "test", fast, fetch, accept)
	require.NoError(t, err)

	// THEN: Same value, one fetch each
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, 1, second.Attempts)
}

func TestReconcile_FallsBackToLastValue(t *testing.T) {
	fetch, calls := counter(1, 2, 3, 4)

	out, err := generic.Reconcile(context.Background(), "test", fast, fetch, func(int) bool { return false })

	require.NoError(t, err)
	assert.False(t, out.Converged)
	assert.Equal(t, 3, out.Value, "last fetched value")
	assert.Equal(t, 3, *calls, "bounded by MaxAttempts")
}

func TestReconcile_FetchErrors(t *testing.T) {
	boom := errors.New("store down")

	t.Run("never fetched", func(t *testing.T) {
		_, err := generic.Reconcile(context.Background(), "test", fast,
			func(context.Context) (int, error) { return 0, boom },
			func(int) bool { return true })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("transient", func(t *testing.T) {
		calls := 0
		out, err := generic.Reconcile(context.Background(), "test", fast,
			func(context.Context) (int, error) {
				calls++
				if calls == 1 {
					return 0, boom
				}
				return 5, nil
			},
			func(v int) bool { return v == 5 })
		require.NoError(t, err)
		assert.True(t, out.Converged)
		assert.Equal(t, 2, out.Attempts)
	})
}

func TestReconcile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := generic.ReconcilePolicy{MaxAttempts: 5, Delay: time.Second}

	begin := time.Now()
	_, err := generic.Reconcile(ctx, "test", slow,
		func(context.Context) (int, error) {
			cancel()
			return 0, nil
		},
		func(int) bool { return false })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestReconcile_ZeroAttemptsMeansOne(t *testing.T) {
	fetch, calls := counter(1)

	out, err := generic.Reconcile(context.Background(), "test", generic.ReconcilePolicy{}, fetch, func(int) bool { return false })

	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, out.Value)
}
