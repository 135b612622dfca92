package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

//go:embed schema.sql
var schemaSQL string

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables when they do not exist yet.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// conflict maps MySQL's concurrency failures onto the retryable conflict.
func conflict(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDuplicateEntry, errLockWaitTimeout, errDeadlockDetected:
			return fmt.Errorf("%s: %w", me.Message, domain.ErrConflict)
		}
	}
	return err
}

func (m *MySQLAdapter) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	sqlTx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &mysqlTx{tx: sqlTx, reads: make(map[string]int)}
	if err := fn(ctx, tx); err != nil {
		return conflict(err)
	}
	if len(tx.writes) == 0 {
		return nil
	}

	written := make(map[string]bool, len(tx.writes))
	for _, w := range tx.writes {
		written[w.key] = true
		if err := w.exec(ctx, sqlTx); err != nil {
			return conflict(err)
		}
	}
	if err := tx.validateReads(ctx, written); err != nil {
		return conflict(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return conflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

const itemColumns = `id, company_id, sku, name, category, quantity, min_stock, critical_stock,
	unit_cost, attributes, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.InventoryItem, error) {
	var it domain.InventoryItem
	var attrs []byte
	err := row.Scan(&it.ID, &it.CompanyID, &it.SKU, &it.Name, &it.Category, &it.Quantity,
		&it.MinStock, &it.CriticalStock, &it.UnitCost, &attrs, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.Attributes, err = domain.ParseAttributes(it.Category, attrs)
	if err != nil {
		return it, fmt.Errorf("item %s attributes: %w", it.ID, err)
	}
	return it, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context, companyID string) ([]domain.InventoryItem, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE company_id = ?`, companyID)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const orderColumns = `id, company_id, client_ref, notes, status, assembled_unit_id, unit_policy,
	cost_total, profit_margin_pct, suggested_price, fulfilled_at, version, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var fulfilled sql.NullTime
	err := row.Scan(&o.ID, &o.CompanyID, &o.ClientRef, &o.Notes, &o.Status, &o.AssembledUnitID, &o.UnitPolicy,
		&o.CostTotal, &o.ProfitMarginPct, &o.SuggestedPrice, &fulfilled, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if fulfilled.Valid {
		t := fulfilled.Time
		o.FulfilledAt = &t
	}
	return o, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadLines(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderLine, error) {
	out := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, item_id, sku, name, quantity, unit_price
		FROM order_lines WHERE order_id IN (`+placeholders(len(orderIDs))+`)
		ORDER BY order_id, line_no`, args(orderIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var l domain.OrderLine
		if err := rows.Scan(&orderID, &l.ItemID, &l.SKU, &l.Name, &l.Quantity, &l.UnitPriceAtOrder); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		out[orderID] = append(out[orderID], l)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, companyID string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE company_id = ? ORDER BY created_at DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := loadLines(ctx, m.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

const unitColumns = `id, company_id, name, components, quantity, cost_price, profit_margin_pct,
	version, created_at, updated_at`

func scanUnit(row rowScanner) (domain.AssembledUnit, error) {
	var u domain.AssembledUnit
	var components []byte
	err := row.Scan(&u.ID, &u.CompanyID, &u.Name, &components, &u.Quantity, &u.CostPrice, &u.ProfitMarginPct,
		&u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(components, &u.Components); err != nil {
		return u, fmt.Errorf("unit %s components: %w", u.ID, err)
	}
	return u, nil
}

func (m *MySQLAdapter) ListUnits(ctx context.Context, companyID string) ([]domain.AssembledUnit, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM assembled_units WHERE company_id = ?`, companyID)
	if err != nil {
		return nil, fmt.Errorf("query assembled units: %w", err)
	}
	defer rows.Close()

	var units []domain.AssembledUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assembled unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

type sqlWrite struct {
	key  string
	exec func(ctx context.Context, tx *sql.Tx) error
}

type mysqlTx struct {
	tx     *sql.Tx
	reads  map[string]int // table/id -> version seen, -1 when missing
	writes []sqlWrite
}

func (t *mysqlTx) checkReadable() error {
	if len(t.writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

func (t *mysqlTx) GetItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error) {
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	items := make(map[string]domain.InventoryItem, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM inventory_items
		WHERE id IN (`+placeholders(len(ids))+`)`, args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		items[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		version := -1
		if it, ok := items[id]; ok {
			version = it.Version
		}
		t.reads[readKey(tableItems, id)] = version
	}
	return items, nil
}

func (t *mysqlTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	o, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		t.reads[readKey(tableOrders, id)] = -1
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	lines, err := loadLines(ctx, t.tx, []string{id})
	if err != nil {
		return nil, err
	}
	o.Lines = lines[id]
	t.reads[readKey(tableOrders, id)] = o.Version
	return &o, nil
}

func (t *mysqlTx) GetUnit(ctx context.Context, id string) (*domain.AssembledUnit, error) {
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	u, err := scanUnit(t.tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM assembled_units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		t.reads[readKey(tableUnits, id)] = -1
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query assembled unit: %w", err)
	}
	t.reads[readKey(tableUnits, id)] = u.Version
	return &u, nil
}

// expected returns the version read for key and whether the row existed.
func (t *mysqlTx) expected(table, id string) (int, bool) {
	v, ok := t.reads[readKey(table, id)]
	if !ok || v < 0 {
		return 0, false
	}
	return v, true
}

// versioned runs an UPDATE/DELETE guarded by the version read earlier.
func versioned(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkVersioned(result)
}

func checkVersioned(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stale version: %w", domain.ErrConflict)
	}
	return nil
}

func (t *mysqlTx) PutItem(item domain.InventoryItem) error {
	attrs, err := domain.MarshalAttributes(item.Attributes)
	if err != nil {
		return err
	}
	version, exists := t.expected(tableItems, item.ID)
	t.writes = append(t.writes, sqlWrite{key: readKey(tableItems, item.ID), exec: func(ctx context.Context, tx *sql.Tx) error {
		if !exists {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO inventory_items (`+itemColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				item.ID, item.CompanyID, item.SKU, item.Name, item.Category, item.Quantity, item.MinStock,
				item.CriticalStock, item.UnitCost, attrs, item.CreatedAt, item.UpdatedAt)
			return err
		}
		return versioned(ctx, tx, `
			UPDATE inventory_items
			SET sku = ?, name = ?, category = ?, quantity = ?, min_stock = ?, critical_stock = ?,
				unit_cost = ?, attributes = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			item.SKU, item.Name, item.Category, item.Quantity, item.MinStock, item.CriticalStock,
			item.UnitCost, attrs, item.UpdatedAt, item.ID, version)
	}})
	return nil
}

func (t *mysqlTx) PutOrder(order domain.Order) error {
	version, exists := t.expected(tableOrders, order.ID)
	var fulfilled sql.NullTime
	if order.FulfilledAt != nil {
		fulfilled = sql.NullTime{Time: *order.FulfilledAt, Valid: true}
	}
	t.writes = append(t.writes, sqlWrite{key: readKey(tableOrders, order.ID), exec: func(ctx context.Context, tx *sql.Tx) error {
		if !exists {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO orders (`+orderColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				order.ID, order.CompanyID, order.ClientRef, order.Notes, order.Status, order.AssembledUnitID,
				order.UnitPolicy, order.CostTotal, order.ProfitMarginPct, order.SuggestedPrice, fulfilled,
				order.CreatedAt, order.UpdatedAt); err != nil {
				return err
			}
		} else {
			if err := versioned(ctx, tx, `
				UPDATE orders
				SET client_ref = ?, notes = ?, status = ?, cost_total = ?, profit_margin_pct = ?,
					suggested_price = ?, fulfilled_at = ?, version = version + 1, updated_at = ?
				WHERE id = ? AND version = ?`,
				order.ClientRef, order.Notes, order.Status, order.CostTotal, order.ProfitMarginPct,
				order.SuggestedPrice, fulfilled, order.UpdatedAt, order.ID, version); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, order.ID); err != nil {
				return err
			}
		}
		for i, l := range order.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (order_id, line_no, item_id, sku, name, quantity, unit_price)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				order.ID, i, l.ItemID, l.SKU, l.Name, l.Quantity, l.UnitPriceAtOrder); err != nil {
				return err
			}
		}
		return nil
	}})
	return nil
}

func (t *mysqlTx) DeleteOrder(order domain.Order) error {
	version, exists := t.expected(tableOrders, order.ID)
	if !exists {
		return domain.OrderNotFound(order.ID)
	}
	t.writes = append(t.writes, sqlWrite{key: readKey(tableOrders, order.ID), exec: func(ctx context.Context, tx *sql.Tx) error {
		if err := versioned(ctx, tx, `DELETE FROM orders WHERE id = ? AND version = ?`, order.ID, version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = ?`, order.ID)
		return err
	}})
	return nil
}

func (t *mysqlTx) PutUnit(unit domain.AssembledUnit) error {
	components, err := json.Marshal(unit.Components)
	if err != nil {
		return err
	}
	version, exists := t.expected(tableUnits, unit.ID)
	t.writes = append(t.writes, sqlWrite{key: readKey(tableUnits, unit.ID), exec: func(ctx context.Context, tx *sql.Tx) error {
		if !exists {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO assembled_units (`+unitColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				unit.ID, unit.CompanyID, unit.Name, components, unit.Quantity, unit.CostPrice,
				unit.ProfitMarginPct, unit.CreatedAt, unit.UpdatedAt)
			return err
		}
		return versioned(ctx, tx, `
			UPDATE assembled_units
			SET name = ?, components = ?, quantity = ?, cost_price = ?, profit_margin_pct = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			unit.Name, components, unit.Quantity, unit.CostPrice, unit.ProfitMarginPct,
			unit.UpdatedAt, unit.ID, version)
	}})
	return nil
}

var versionQueries = map[string]string{
	tableItems:  `SELECT version FROM inventory_items WHERE id = ? LOCK IN SHARE MODE`,
	tableOrders: `SELECT version FROM orders WHERE id = ? LOCK IN SHARE MODE`,
	tableUnits:  `SELECT version FROM assembled_units WHERE id = ? LOCK IN SHARE MODE`,
}

// validateReads re-checks, with locking reads, every row this transaction
// read but did not write, so decisions based on them still hold at commit.
func (t *mysqlTx) validateReads(ctx context.Context, written map[string]bool) error {
	for key, seen := range t.reads {
		if written[key] {
			continue
		}
		table, id := splitKey(key)
		var cur int
		err := t.tx.QueryRowContext(ctx, versionQueries[table], id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			cur = -1
		} else if err != nil {
			return fmt.Errorf("validate %s %s: %w", table, id, err)
		}
		if cur != seen {
			return fmt.Errorf("%s %s changed concurrently: %w", table, id, domain.ErrConflict)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func args(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
