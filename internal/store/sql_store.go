package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		exchange_id TEXT NOT NULL,
		order_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		order_list_id BIGINT NOT NULL DEFAULT -1,
		side TEXT NOT NULL DEFAULT '',
		order_type TEXT NOT NULL DEFAULT '',
		time_in_force TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		stop_price TEXT NOT NULL DEFAULT '0',
		orig_qty TEXT NOT NULL DEFAULT '0',
		executed_qty TEXT NOT NULL DEFAULT '0',
		cumulative_quote_qty TEXT NOT NULL DEFAULT '0',
		reject_reason TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange_id, order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_fills (
		exchange_id TEXT NOT NULL,
		order_id BIGINT NOT NULL,
		trade_id BIGINT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		commission TEXT NOT NULL DEFAULT '0',
		commission_asset TEXT NOT NULL DEFAULT '',
		traded_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange_id, order_id, trade_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lists (
		exchange_id TEXT NOT NULL,
		order_list_id BIGINT NOT NULL,
		list_client_order_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		contingency_type TEXT NOT NULL DEFAULT '',
		list_status_type TEXT NOT NULL DEFAULT '',
		list_order_status TEXT NOT NULL DEFAULT '',
		legs TEXT NOT NULL DEFAULT '[]',
		updated_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange_id, order_list_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (exchange_id, symbol)`,
}

const (
	orderColumns = `exchange_id, order_id, symbol, client_order_id, order_list_id, side, order_type,
		time_in_force, status, price, stop_price, orig_qty, executed_qty, cumulative_quote_qty,
		reject_reason, created_at, updated_at`

	orderUpsertSQL = `
INSERT INTO orders (` + orderColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange_id, order_id) DO UPDATE SET
	symbol = excluded.symbol,
	client_order_id = excluded.client_order_id,
	order_list_id = excluded.order_list_id,
	side = excluded.side,
	order_type = excluded.order_type,
	time_in_force = excluded.time_in_force,
	status = excluded.status,
	price = excluded.price,
	stop_price = excluded.stop_price,
	orig_qty = excluded.orig_qty,
	executed_qty = excluded.executed_qty,
	cumulative_quote_qty = excluded.cumulative_quote_qty,
	reject_reason = excluded.reject_reason,
	updated_at = excluded.updated_at`

	fillInsertSQL = `
INSERT INTO order_fills (exchange_id, order_id, trade_id, price, quantity, commission, commission_asset, traded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange_id, order_id, trade_id) DO NOTHING`

	fillSelectSQL = `
SELECT trade_id, price, quantity, commission, commission_asset, traded_at
FROM order_fills WHERE exchange_id = ? AND order_id = ? ORDER BY trade_id`

	listUpsertSQL = `
INSERT INTO order_lists (exchange_id, order_list_id, list_client_order_id, symbol, contingency_type,
	list_status_type, list_order_status, legs, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange_id, order_list_id) DO UPDATE SET
	list_client_order_id = excluded.list_client_order_id,
	symbol = excluded.symbol,
	contingency_type = excluded.contingency_type,
	list_status_type = excluded.list_status_type,
	list_order_status = excluded.list_order_status,
	legs = excluded.legs,
	updated_at = excluded.updated_at`

	listSelectSQL = `
SELECT exchange_id, order_list_id, list_client_order_id, symbol, contingency_type,
	list_status_type, list_order_status, legs, updated_at
FROM order_lists WHERE exchange_id = ? AND order_list_id = ?`
)

// SQLStore 基于 database/sql 的订单存储，支持 sqlite3 与 pgx 驱动
type SQLStore struct {
	db     *sql.DB
	driver string
	// 串行化同进程内的读改写；跨进程并发依赖事务隔离
	mu sync.Mutex
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenSQLStore 打开数据库并建表
func OpenSQLStore(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	switch driverName {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driverName)
	}

	log.Info().Str("driver", driverName).Msg("Initializing order database")
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driverName == DriverSQLite {
		// sqlite 单写者
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLStore{db: db, driver: driverName}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driverName).Msg("Order database ready")
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind 将 ? 占位符改写为 postgres 的 $n
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) FindOne(ctx context.Context, key OrderKey) (*Order, error) {
	return s.findOne(ctx, s.db, key)
}

func (s *SQLStore) findOne(ctx context.Context, q queryer, key OrderKey) (*Order, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+orderColumns+` FROM orders WHERE exchange_id = ? AND order_id = ?`),
		key.ExchangeID, key.OrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %s: %w", key, err)
	}
	if err := s.loadFills(ctx, q, o); err != nil {
		return nil, err
	}
	return o, nil
}

// FindOneAndUpsert 在单个事务内读改写
func (s *SQLStore) FindOneAndUpsert(ctx context.Context, key OrderKey, fn MutateFunc) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.findOne(ctx, tx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing, nil
	}
	if next.Key() != key {
		return nil, fmt.Errorf("mutate changed key %s -> %s", key, next.Key())
	}

	if err := s.writeOrder(ctx, tx, next); err != nil {
		return nil, err
	}
	stored, err := s.findOne(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order %s: %w", key, err)
	}
	return stored, nil
}

func (s *SQLStore) writeOrder(ctx context.Context, q queryer, o *Order) error {
	_, err := q.ExecContext(ctx, s.rebind(orderUpsertSQL),
		o.ExchangeID, o.OrderID, o.Symbol, o.ClientOrderID, o.OrderListID, o.Side, o.Type,
		o.TimeInForce, string(o.Status), o.Price.String(), o.StopPrice.String(), o.OrigQty.String(),
		o.ExecutedQty.String(), o.CumulativeQuoteQty.String(), o.RejectReason,
		toMillis(o.CreatedAt), toMillis(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.Key(), err)
	}

	for _, f := range o.Fills {
		_, err := q.ExecContext(ctx, s.rebind(fillInsertSQL),
			o.ExchangeID, o.OrderID, f.TradeID, f.Price.String(), f.Quantity.String(),
			f.Commission.String(), f.CommissionAsset, toMillis(f.Time))
		if err != nil {
			return fmt.Errorf("insert fill %d: %w", f.TradeID, err)
		}
	}
	return nil
}

func (s *SQLStore) loadFills(ctx context.Context, q queryer, o *Order) error {
	rows, err := q.QueryContext(ctx, s.rebind(fillSelectSQL), o.ExchangeID, o.OrderID)
	if err != nil {
		return fmt.Errorf("select fills %s: %w", o.Key(), err)
	}
	defer rows.Close()

	o.Fills = nil
	for rows.Next() {
		var (
			f  Fill
			at int64
		)
		if err := rows.Scan(&f.TradeID, &f.Price, &f.Quantity, &f.Commission, &f.CommissionAsset, &at); err != nil {
			return fmt.Errorf("scan fill: %w", err)
		}
		f.Time = fromMillis(at)
		o.Fills = append(o.Fills, f)
	}
	return rows.Err()
}

func (s *SQLStore) Find(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.ExchangeID != "" {
		where = append(where, "exchange_id = ?")
		args = append(args, filter.ExchangeID)
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.OrderListID != 0 {
		where = append(where, "order_list_id = ?")
		args = append(args, filter.OrderListID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY symbol, order_id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	out := make([]*Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, o := range out {
		if err := s.loadFills(ctx, s.db, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) UpsertOrderList(ctx context.Context, list *OrderList) error {
	if list == nil {
		return fmt.Errorf("nil order list")
	}
	legs, err := json.Marshal(list.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(listUpsertSQL),
		list.ExchangeID, list.OrderListID, list.ListClientOrderID, list.Symbol, list.ContingencyType,
		list.ListStatusType, list.ListOrderStatus, string(legs), toMillis(list.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert order list %d: %w", list.OrderListID, err)
	}
	return nil
}

func (s *SQLStore) FindOrderList(ctx context.Context, key OrderListKey) (*OrderList, error) {
	var (
		l    OrderList
		legs string
		at   int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(listSelectSQL), key.ExchangeID, key.OrderListID).Scan(
		&l.ExchangeID, &l.OrderListID, &l.ListClientOrderID, &l.Symbol, &l.ContingencyType,
		&l.ListStatusType, &l.ListOrderStatus, &legs, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order list %d: %w", key.OrderListID, err)
	}
	if err := json.Unmarshal([]byte(legs), &l.Legs); err != nil {
		return nil, fmt.Errorf("decode legs: %w", err)
	}
	l.UpdatedAt = fromMillis(at)
	return &l, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*Order, error) {
	var (
		o                    Order
		status               string
		createdAt, updatedAt int64
	)
	err := r.Scan(&o.ExchangeID, &o.OrderID, &o.Symbol, &o.ClientOrderID, &o.OrderListID, &o.Side, &o.Type,
		&o.TimeInForce, &status, &o.Price, &o.StopPrice, &o.OrigQty, &o.ExecutedQty, &o.CumulativeQuoteQty,
		&o.RejectReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.CreatedAt = fromMillis(createdAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return &o, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// IsTransient 判断错误是否值得重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
