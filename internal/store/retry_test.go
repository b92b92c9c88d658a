package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// flakyStore 前 failures 次 upsert 返回 err
type flakyStore struct {
	OrderStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) FindOneAndUpsert(ctx context.Context, key OrderKey, fn MutateFunc) (*Order, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.OrderStore.FindOneAndUpsert(ctx, key, fn)
}

func TestRetryStore_TransientRecovers(t *testing.T) {
	inner := NewMemoryStore("", time.Hour)
	defer inner.Close()

	flaky := &flakyStore{OrderStore: inner, failures: 2, err: fmt.Errorf("write: %w", ErrTransient)}
	st := NewRetryStore(flaky, 3, time.Millisecond)

	before := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("upsert"))
	o := newTestOrder(1, StatusNew)
	got, err := st.FindOneAndUpsert(context.Background(), o.Key(), put(o))
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if got.OrderID != 1 || flaky.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", flaky.calls)
	}
	if d := testutil.ToFloat64(metrics.StoreRetries.WithLabelValues("upsert")) - before; d != 2 {
		t.Errorf("Expected 2 retries recorded, got %v", d)
	}
}

func TestRetryStore_Exhausted(t *testing.T) {
	inner := NewMemoryStore("", time.Hour)
	defer inner.Close()

	flaky := &flakyStore{OrderStore: inner, failures: 10, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	st := NewRetryStore(flaky, 3, time.Millisecond)

	o := newTestOrder(1, StatusNew)
	if _, err := st.FindOneAndUpsert(context.Background(), o.Key(), put(o)); err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if flaky.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", flaky.calls)
	}
}

func TestRetryStore_PermanentNotRetried(t *testing.T) {
	inner := NewMemoryStore("", time.Hour)
	defer inner.Close()

	st := NewRetryStore(inner, 5, time.Millisecond)
	_, err := st.FindOne(context.Background(), OrderKey{ExchangeID: "binance", OrderID: 9})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	flaky := &flakyStore{OrderStore: inner, failures: 10, err: errors.New("constraint violation")}
	st = NewRetryStore(flaky, 5, time.Millisecond)
	o := newTestOrder(1, StatusNew)
	if _, err := st.FindOneAndUpsert(context.Background(), o.Key(), put(o)); err == nil {
		t.Fatal("Expected permanent error")
	}
	if flaky.calls != 1 {
		t.Errorf("Expected a single call, got %d", flaky.calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrTransient, true},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{ErrNotFound, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
