package sqlite

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/trace-engine/ledger"
)

// Internal test: busyOr is unexported and contention is timing-dependent,
// so the mapping is driven directly with the strings the driver emits.

func TestBusyOr_MapsLockContentionToRetryable(t *testing.T) {
	// GIVEN: The error strings go-sqlite3 produces under lock contention
	// WHEN: A store operation wraps them
	// THEN: Each maps onto the retryable busy sentinel, keeping op and cause

	for _, msg := range []string{
		"database is locked",
		"database table is locked: movements",
		"SQLITE_BUSY: database is locked (5)",
	} {
		t.Run(msg, func(t *testing.T) {
			cause := errors.New(msg)

			err := busyOr("append movement", cause)
			assert.ErrorIs(t, err, ledger.ErrResourceBusy)
			assert.True(t, ledger.IsRetryable(err))

			var be *ledger.BusyError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, "append movement", be.Op)
			assert.Equal(t, cause, be.Err)
		})
	}
}

func TestBusyOr_LeavesOtherErrorsIntact(t *testing.T) {
	// GIVEN: A non-contention failure
	// WHEN: Wrapped by the same helper
	// THEN: It stays a plain wrapped error, not retryable

	cause := errors.New("UNIQUE constraint failed: batches.reference")

	err := busyOr("insert batch", cause)
	assert.NotErrorIs(t, err, ledger.ErrResourceBusy)
	assert.False(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert batch")

	assert.NoError(t, busyOr("no-op", nil))
}
