package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryRecoversFromBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, "upsert", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("no such table: presence")
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy, "upsert", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, "touch", func(context.Context) error {
		calls++
		return errors.New("database is locked")
	})
	// One attempt plus two retries.
	if err == nil || calls != 3 {
		t.Fatalf("expected failure after 3 calls, got err=%v calls=%d", err, calls)
	}
}

func TestDefaultRetryPolicyRetriesThreeTimes(t *testing.T) {
	t.Parallel()

	var stamps []time.Time
	err := Retry(context.Background(), DefaultRetryPolicy, "upsert", func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(stamps) != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d calls", len(stamps))
	}
	if gap := stamps[3].Sub(stamps[2]); gap < 200*time.Millisecond {
		t.Fatalf("expected the third retry to wait at least 200ms, waited %v", gap)
	}
}

func TestRetryZeroRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{}, "touch", func(context.Context) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected a single failed attempt, got err=%v calls=%d", err, calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}, "upsert", func(context.Context) error {
		calls++
		cancel()
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call before cancel, got %d", calls)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	if IsSQLiteConflictError(nil) {
		t.Error("nil is not a conflict")
	}
	if !IsSQLiteConflictError(errors.New("SQLITE_BUSY")) {
		t.Error("SQLITE_BUSY should be a conflict")
	}
	if IsSQLiteConflictError(errors.New("constraint failed")) {
		t.Error("constraint errors are not conflicts")
	}
}
