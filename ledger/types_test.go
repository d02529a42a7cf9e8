package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledgerlock/ledger"
)

func TestEntryKey_Validate(t *testing.T) {
	valid := ledger.EntryKey{Year: 2024, Month: 2, Day: 29, TimeSlot: ledger.Slot1930, Church: "c1"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		key   ledger.EntryKey
		field string
	}{
		{"month zero", ledger.EntryKey{Year: 2025, Month: 0, Day: 1, TimeSlot: ledger.Slot0800, Church: "c1"}, "month"},
		{"feb 29 non-leap", ledger.EntryKey{Year: 2025, Month: 2, Day: 29, TimeSlot: ledger.Slot0800, Church: "c1"}, "day"},
		{"unknown slot", ledger.EntryKey{Year: 2025, Month: 6, Day: 1, TimeSlot: "09:00", Church: "c1"}, "timeSlot"},
		{"no church", ledger.EntryKey{Year: 2025, Month: 6, Day: 1, TimeSlot: ledger.Slot0800}, "church"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrValidation)

			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUnlockRequest_GrantActiveAt(t *testing.T) {
	// GIVEN: A 60-minute grant starting at T0
	t0 := time.Date(2025, 7, 2, 14, 0, 0, 0, time.UTC)
	r := ledger.UnlockRequest{Status: ledger.UnlockApproved, GrantedAt: &t0, DurationMinutes: 60}

	// THEN: Active strictly before T0+60m
	assert.True(t, r.GrantActiveAt(t0))
	assert.True(t, r.GrantActiveAt(t0.Add(30*time.Minute)))
	assert.False(t, r.GrantActiveAt(t0.Add(60*time.Minute)))
	assert.False(t, r.GrantActiveAt(t0.Add(90*time.Minute)))
	assert.Equal(t, t0.Add(time.Hour), r.GrantExpiresAt())

	pending := ledger.UnlockRequest{Status: ledger.UnlockPending}
	assert.False(t, pending.GrantActiveAt(t0))
	assert.True(t, pending.GrantExpiresAt().IsZero())
}

func TestDeniedError_Unwrap(t *testing.T) {
	err := &ledger.DeniedError{Reason: ledger.DenyMonthClosed}
	assert.ErrorIs(t, err, ledger.ErrMonthClosed)
	assert.True(t, ledger.IsDenied(err))
	assert.True(t, ledger.IsClientError(err))

	assert.ErrorIs(t, &ledger.DeniedError{Reason: ledger.DenyOutOfScope}, ledger.ErrOutOfScope)
	assert.False(t, ledger.IsClientError(errors.New("disk full")))
}

func TestEntryQuery_Matches(t *testing.T) {
	e := ledger.Entry{
		Key:     ledger.EntryKey{Year: 2025, Month: 6, Day: 1, TimeSlot: ledger.Slot0800, Church: "c1"},
		OwnerID: "u1",
		State:   "SP",
	}
	assert.True(t, ledger.EntryQuery{Year: 2025, Month: 6}.Matches(e))
	assert.True(t, ledger.EntryQuery{Year: 2025, Month: 6, State: "SP", Church: "c1", OwnerID: "u1"}.Matches(e))
	assert.False(t, ledger.EntryQuery{Year: 2025, Month: 7}.Matches(e))
	assert.False(t, ledger.EntryQuery{Year: 2025, Month: 6, State: "RJ"}.Matches(e))
	assert.False(t, ledger.EntryQuery{Year: 2025, Month: 6, None: true}.Matches(e))
}

func TestMonthID(t *testing.T) {
	assert.Equal(t, "2025-06-01", ledger.MonthID(2025, 6))
	assert.Equal(t, 30, ledger.DaysIn(2025, 6))
	assert.Equal(t, 29, ledger.DaysIn(2024, 2))
}
