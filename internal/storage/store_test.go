package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupbot/internal/signup"
	logx "signupbot/pkg/logx"
)

var drivers = []string{"file", "sqlite"}

func openTest(t *testing.T, driver, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "signup.db")}, logx.Nop())
	require.NoError(t, err)
	return st
}

func samplePattern(id string) signup.TrackedPattern {
	return signup.TrackedPattern{
		ID:                   id,
		Label:                "monday spin",
		ActivityID:           "A",
		LocationID:           "studio-1",
		Weekday:              time.Monday,
		Time:                 18 * 60,
		MatchInstructor:      true,
		InstructorID:         "i1",
		TimeToleranceMinutes: 10,
		AutoSignupEnabled:    true,
		SignupLeadHours:      46,
		CreatedAt:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)
}

func TestStore_PatternsRoundTripAndPersist(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			ctx := context.Background()
			st := openTest(t, driver, dir)

			p := samplePattern("p1")
			require.NoError(t, st.SavePattern(ctx, p))
			require.NoError(t, st.SavePattern(ctx, samplePattern("p2")))

			p.AutoSignupEnabled = false
			p.SignupLeadHours = 24
			p.UpdatedAt = p.UpdatedAt.Add(time.Hour)
			require.NoError(t, st.SavePattern(ctx, p))

			got, err := st.GetPattern(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, got.AutoSignupEnabled)
			assert.Equal(t, 24, got.SignupLeadHours)
			assert.Equal(t, signup.TimeOfDay(18*60), got.Time)
			assert.Equal(t, "i1", got.InstructorID)
			assert.True(t, got.CreatedAt.Equal(p.CreatedAt))

			require.NoError(t, st.DeletePattern(ctx, "p2"))
			assert.ErrorIs(t, st.DeletePattern(ctx, "p2"), signup.ErrPatternNotFound)
			_, err = st.GetPattern(ctx, "nope")
			assert.ErrorIs(t, err, signup.ErrPatternNotFound)
			require.NoError(t, st.Close())

			st = openTest(t, driver, dir)
			defer st.Close()
			list, err := st.ListPatterns(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "p1", list[0].ID)
			assert.Equal(t, time.Monday, list[0].Weekday)
		})
	}
}

func TestStore_AttemptsOrderAndPrune(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			ctx := context.Background()
			st := openTest(t, driver, dir)

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			recs := []signup.AttemptRecord{
				{ID: "a1", OccurrenceID: "o1", PatternID: "p1", Result: signup.ResultFailed, Reason: "full", At: base},
				{ID: "a2", OccurrenceID: "o1", PatternID: "p1", Result: signup.ResultSuccess, At: base.Add(time.Minute)},
				{ID: "a3", OccurrenceID: "o2", PatternID: "p1", Result: signup.ResultFailed, Reason: "x", At: base.Add(48 * time.Hour)},
				{ID: "a4", OccurrenceID: "o3", Result: signup.ResultCancelled, At: base, OccurrenceStart: base.Add(72 * time.Hour)},
			}
			for _, r := range recs {
				require.NoError(t, st.AppendAttempt(ctx, r))
			}

			o1, err := st.ListAttempts(ctx, "o1")
			require.NoError(t, err)
			require.Len(t, o1, 2)
			assert.Equal(t, "a1", o1[0].ID)
			assert.Equal(t, "a2", o1[1].ID)
			assert.True(t, o1[0].At.Equal(base))

			byPattern, err := st.ListAttemptsByPattern(ctx, "p1", 2)
			require.NoError(t, err)
			require.Len(t, byPattern, 2)
			assert.Equal(t, "a3", byPattern[0].ID)

			n, err := st.PruneAttempts(ctx, signup.ResultFailed, base.Add(time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			// Appends after a prune land in the rewritten journal.
			require.NoError(t, st.AppendAttempt(ctx, signup.AttemptRecord{ID: "a5", OccurrenceID: "o1", Result: signup.ResultFailed, At: base.Add(50 * time.Hour)}))
			require.NoError(t, st.Close())

			st = openTest(t, driver, dir)
			defer st.Close()
			o1, err = st.ListAttempts(ctx, "o1")
			require.NoError(t, err)
			ids := make([]string, 0, len(o1))
			for _, r := range o1 {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, []string{"a2", "a5"}, ids)

			o3, err := st.ListAttempts(ctx, "o3")
			require.NoError(t, err)
			require.Len(t, o3, 1)
			assert.True(t, o3[0].OccurrenceStart.Equal(base.Add(72*time.Hour)))
		})
	}
}

func TestStore_WorksWithLedger(t *testing.T) {
	t.Parallel()
	st := openTest(t, "sqlite", t.TempDir())
	defer st.Close()
	ctx := context.Background()
	l := signup.NewLedger(st, logx.Nop())

	written, err := l.Record(ctx, signup.AttemptRecord{OccurrenceID: "o1", Result: signup.ResultSuccess})
	require.NoError(t, err)
	assert.True(t, written)
	ok, err := l.HasSucceeded(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "signup.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	// A second connection holds the write lock.
	other, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer other.Close()
	tx, err := other.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `CREATE TABLE writer_hold(x INTEGER)`)
	require.NoError(t, err)

	err = st.AppendAttempt(ctx, signup.AttemptRecord{ID: "a1", OccurrenceID: "o1", Result: signup.ResultFailed, At: time.Now()})
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.True(t, IsBusy(fmt.Errorf("prune: %w", err)))

	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(ErrDisabled))
}
