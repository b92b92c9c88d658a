package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// RetryStore 对瞬时错误做有限次重试，其余错误直接返回
type RetryStore struct {
	OrderStore
	maxTries uint
	delay    time.Duration
}

// NewRetryStore 包装底层存储；maxTries 含首次调用
func NewRetryStore(inner OrderStore, maxTries int, delay time.Duration) *RetryStore {
	if maxTries < 1 {
		maxTries = 1
	}
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &RetryStore{OrderStore: inner, maxTries: uint(maxTries), delay: delay}
}

func (r *RetryStore) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 20 * r.delay
	return b
}

func retry[T any](ctx context.Context, r *RetryStore, op string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordStoreRetry(op)
			log.Warn().Err(err).Str("op", op).Dur("next", next).Msg("存储瞬时错误，重试")
		}),
	)
}

func (r *RetryStore) FindOne(ctx context.Context, key OrderKey) (*Order, error) {
	return retry(ctx, r, "find_one", func() (*Order, error) {
		return r.OrderStore.FindOne(ctx, key)
	})
}

func (r *RetryStore) FindOneAndUpsert(ctx context.Context, key OrderKey, fn MutateFunc) (*Order, error) {
	return retry(ctx, r, "upsert", func() (*Order, error) {
		return r.OrderStore.FindOneAndUpsert(ctx, key, fn)
	})
}

func (r *RetryStore) Find(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	return retry(ctx, r, "find", func() ([]*Order, error) {
		return r.OrderStore.Find(ctx, filter)
	})
}

func (r *RetryStore) UpsertOrderList(ctx context.Context, list *OrderList) error {
	_, err := retry(ctx, r, "upsert_list", func() (struct{}, error) {
		return struct{}{}, r.OrderStore.UpsertOrderList(ctx, list)
	})
	return err
}

func (r *RetryStore) FindOrderList(ctx context.Context, key OrderListKey) (*OrderList, error) {
	return retry(ctx, r, "find_list", func() (*OrderList, error) {
		return r.OrderStore.FindOrderList(ctx, key)
	})
}
