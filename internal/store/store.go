package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// MemoryStore 内存订单存储，可选 JSON 快照持久化
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[OrderKey]*Order
	lists  map[OrderListKey]*OrderList

	// 快照相关
	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

type snapshot struct {
	Orders []*Order     `json:"orders"`
	Lists  []*OrderList `json:"lists"`
}

// NewMemoryStore 创建内存存储；snapshotPath 为空时不落盘
func NewMemoryStore(snapshotPath string, snapshotInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		orders:           make(map[OrderKey]*Order),
		lists:            make(map[OrderListKey]*OrderList),
		snapshotPath:     snapshotPath,
		snapshotInterval: snapshotInterval,
		stopCh:           make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := s.LoadSnapshot(); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("无法从快照恢复，使用空状态")
		}
		if snapshotInterval > 0 {
			s.wg.Add(1)
			go s.runSnapshotLoop()
		}
	}

	return s
}

func (s *MemoryStore) FindOne(ctx context.Context, key OrderKey) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[key]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// FindOneAndUpsert 在写锁内执行读改写
func (s *MemoryStore) FindOneAndUpsert(ctx context.Context, key OrderKey, fn MutateFunc) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.orders[key]
	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing.Clone(), nil
	}
	if next.Key() != key {
		return nil, fmt.Errorf("mutate changed key %s -> %s", key, next.Key())
	}

	stored := next.Clone()
	stored.Fills = dedupFills(stored.Fills)
	s.orders[key] = stored
	return stored.Clone(), nil
}

// Find 按 (symbol, orderId) 排序返回
func (s *MemoryStore) Find(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	out := make([]*Order, 0)
	for _, o := range s.orders {
		if filter.Match(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sortOrders(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertOrderList(ctx context.Context, list *OrderList) error {
	if list == nil {
		return fmt.Errorf("nil order list")
	}
	c := *list
	c.Legs = append([]OrderListLeg(nil), list.Legs...)

	s.mu.Lock()
	s.lists[list.Key()] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindOrderList(ctx context.Context, key OrderListKey) (*OrderList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lists[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	c.Legs = append([]OrderListLeg(nil), l.Legs...)
	return &c, nil
}

// SaveSnapshot 保存快照
func (s *MemoryStore) SaveSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}

	s.mu.RLock()
	snap := snapshot{
		Orders: make([]*Order, 0, len(s.orders)),
		Lists:  make([]*OrderList, 0, len(s.lists)),
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	for _, l := range s.lists {
		snap.Lists = append(snap.Lists, l)
	}
	sortOrders(snap.Orders)
	data, err := json.MarshalIndent(snap, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}

	log.Debug().Str("path", s.snapshotPath).Int("orders", len(snap.Orders)).Msg("快照保存成功")
	return nil
}

// LoadSnapshot 加载快照
func (s *MemoryStore) LoadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("解析快照失败: %w", err)
	}

	s.mu.Lock()
	for _, o := range snap.Orders {
		if o == nil {
			continue
		}
		o.Fills = dedupFills(o.Fills)
		s.orders[o.Key()] = o
	}
	for _, l := range snap.Lists {
		if l == nil {
			continue
		}
		s.lists[l.Key()] = l
	}
	s.mu.Unlock()

	log.Info().Str("path", s.snapshotPath).Int("orders", len(snap.Orders)).Int("lists", len(snap.Lists)).Msg("快照加载成功")
	return nil
}

func (s *MemoryStore) runSnapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SaveSnapshot(); err != nil {
				log.Error().Err(err).Msg("保存快照失败")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close 停止快照循环并做最后一次保存
func (s *MemoryStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if e := s.SaveSnapshot(); e != nil {
			log.Error().Err(e).Msg("关闭时保存快照失败")
			err = e
		}
	})
	return err
}

func sortOrders(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Symbol != orders[j].Symbol {
			return orders[i].Symbol < orders[j].Symbol
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}
