package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
)

type purgeFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f purgeFunc) PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}

func TestRetentionPolicy_Cutoff(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))

	p := NewRetentionPolicy(nil, 30, fc)

	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := p.Cutoff(); !got.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, got)
	}

	fc.Add(24 * time.Hour)
	if got := p.Cutoff(); !got.Equal(want.Add(24 * time.Hour)) {
		t.Errorf("expected cutoff to follow the clock, got %v", got)
	}
}

func TestRetentionPolicy_Apply(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))

	var gotCutoff time.Time
	p := NewRetentionPolicy(purgeFunc(func(ctx context.Context, cutoff time.Time) (int64, error) {
		gotCutoff = cutoff
		return 4, nil
	}), 7, fc)

	n, err := p.Apply(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 purged, got %d", n)
	}
	if !gotCutoff.Equal(time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected cutoff %v", gotCutoff)
	}
}

func TestRetentionPolicy_ApplyError(t *testing.T) {
	storeErr := errors.New("store unavailable")
	p := NewRetentionPolicy(purgeFunc(func(context.Context, time.Time) (int64, error) {
		return 0, storeErr
	}), 30, clock.NewFake())

	if _, err := p.Apply(context.Background()); !errors.Is(err, storeErr) {
		t.Errorf("expected store error, got %v", err)
	}
}
