package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

var ErrReadAfterWrite = errors.New("read after write in transaction")

const (
	tableItems       = "items"
	tableOrders      = "orders"
	tableUnits       = "units"
	tableDrafts      = "drafts"
	tableIdempotency = "idempotency"
	tableSnapshots   = "snapshots"
)

type draftRecord struct {
	ID        string
	Draft     domain.Draft
	ExpiresAt time.Time
}

type idempotencyRecord struct {
	Key       string
	ExpiresAt time.Time
}

type snapshotRecord struct {
	Key       string
	CompanyID string
	ItemID    string
	Quantity  int
	Version   int
}

func memSchema() *memdb.DBSchema {
	byID := func(field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: field}}
	}
	byCompany := &memdb.IndexSchema{Name: "company", Indexer: &memdb.StringFieldIndex{Field: "CompanyID"}}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableItems:       {Name: tableItems, Indexes: map[string]*memdb.IndexSchema{"id": byID("ID"), "company": byCompany}},
			tableOrders:      {Name: tableOrders, Indexes: map[string]*memdb.IndexSchema{"id": byID("ID"), "company": byCompany}},
			tableUnits:       {Name: tableUnits, Indexes: map[string]*memdb.IndexSchema{"id": byID("ID"), "company": byCompany}},
			tableDrafts:      {Name: tableDrafts, Indexes: map[string]*memdb.IndexSchema{"id": byID("ID")}},
			tableIdempotency: {Name: tableIdempotency, Indexes: map[string]*memdb.IndexSchema{"id": byID("Key")}},
			tableSnapshots:   {Name: tableSnapshots, Indexes: map[string]*memdb.IndexSchema{"id": byID("Key"), "company": byCompany}},
		},
	}
}

// MemoryStore is an in-process implementation of the transactional store,
// draft repository and cache. Transactions read from an immutable snapshot
// and are validated against the latest committed versions at commit time, so
// concurrent writers see the same optimistic conflicts as with MySQL.
type MemoryStore struct {
	db       *memdb.MemDB
	draftTTL time.Duration
	idemTTL  time.Duration
	now      func() time.Time
}

func NewMemoryStore(draftTTL time.Duration) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	if draftTTL <= 0 {
		draftTTL = defaultDraftTTL
	}
	return &MemoryStore{db: db, draftTTL: draftTTL, idemTTL: idempotencyKeyTTL, now: time.Now}, nil
}

func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx := &memTx{
		snap:  m.db.Txn(false),
		reads: make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit(m.db)
}

func (m *MemoryStore) ListItems(ctx context.Context, companyID string) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	err := m.scan(tableItems, companyID, func(obj interface{}) {
		items = append(items, *obj.(*domain.InventoryItem))
	})
	return items, err
}

func (m *MemoryStore) ListOrders(ctx context.Context, companyID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := m.scan(tableOrders, companyID, func(obj interface{}) {
		orders = append(orders, copyOrder(*obj.(*domain.Order)))
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, err
}

func (m *MemoryStore) ListUnits(ctx context.Context, companyID string) ([]domain.AssembledUnit, error) {
	var units []domain.AssembledUnit
	err := m.scan(tableUnits, companyID, func(obj interface{}) {
		units = append(units, copyUnit(*obj.(*domain.AssembledUnit)))
	})
	return units, err
}

func (m *MemoryStore) scan(table, companyID string, fn func(obj interface{})) error {
	txn := m.db.Txn(false)
	it, err := txn.Get(table, "company", companyID)
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		fn(obj)
	}
	return nil
}

func (m *MemoryStore) SaveDraft(ctx context.Context, draft domain.Draft) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	rec := &draftRecord{ID: draft.ID, Draft: copyDraft(draft), ExpiresAt: m.now().Add(m.draftTTL)}
	if err := txn.Insert(tableDrafts, rec); err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetDraft(ctx context.Context, id string) (*domain.Draft, error) {
	raw, err := m.db.Txn(false).First(tableDrafts, "id", id)
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	rec := raw.(*draftRecord)
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	d := copyDraft(rec.Draft)
	return &d, nil
}

func (m *MemoryStore) DeleteDraft(ctx context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableDrafts, "id", id); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableIdempotency, "id", key)
	if err != nil {
		return false, err
	}
	if raw != nil && m.now().Before(raw.(*idempotencyRecord).ExpiresAt) {
		return false, nil
	}
	if err := txn.Insert(tableIdempotency, &idempotencyRecord{Key: key, ExpiresAt: m.now().Add(m.idemTTL)}); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (m *MemoryStore) ReleaseIdempotency(ctx context.Context, key string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableIdempotency, "id", key); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PublishStock records each entry unless a newer version of the same record
// was already published. Subscribers wake only when something was applied.
func (m *MemoryStore) PublishStock(ctx context.Context, companyID string, stock domain.StockCounts) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	applied := 0
	for id, sc := range stock {
		key := companyID + "/" + id
		cur, err := txn.First(tableSnapshots, "id", key)
		if err != nil {
			return err
		}
		if cur != nil && cur.(*snapshotRecord).Version >= sc.Version {
			continue
		}
		rec := &snapshotRecord{Key: key, CompanyID: companyID, ItemID: id, Quantity: sc.Quantity, Version: sc.Version}
		if err := txn.Insert(tableSnapshots, rec); err != nil {
			return err
		}
		applied++
	}
	if applied > 0 {
		txn.Commit()
	}
	return nil
}

// Snapshot returns the last published quantities for a company.
func (m *MemoryStore) Snapshot(ctx context.Context, companyID string) (map[string]int, error) {
	out, _, err := m.snapshot(companyID)
	return out, err
}

func (m *MemoryStore) snapshot(companyID string) (map[string]int, <-chan struct{}, error) {
	it, err := m.db.Txn(false).Get(tableSnapshots, "company", companyID)
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", tableSnapshots, err)
	}
	out := make(map[string]int)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*snapshotRecord)
		out[rec.ItemID] = rec.Quantity
	}
	return out, it.WatchCh(), nil
}

// SubscribeStock sends the company's full snapshot every time a publish
// touches it, until ctx is done.
func (m *MemoryStore) SubscribeStock(ctx context.Context, companyID string) (<-chan map[string]int, error) {
	_, watch, err := m.snapshot(companyID)
	if err != nil {
		return nil, err
	}

	out := make(chan map[string]int)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-watch:
			}
			var snap map[string]int
			snap, watch, err = m.snapshot(companyID)
			if err != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type memWrite struct {
	table    string
	id       string
	obj      interface{}
	expected int // version read in this transaction, -1 for an insert
	delete   bool
}

type memTx struct {
	snap   *memdb.Txn
	reads  map[string]int // table/id -> version seen, -1 when missing
	writes []memWrite
}

func readKey(table, id string) string { return table + "/" + id }

func (t *memTx) first(table, id string) (interface{}, error) {
	if len(t.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	raw, err := t.snap.First(table, "id", id)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", table, id, err)
	}
	version := -1
	if raw != nil {
		version = versionOf(raw)
	}
	t.reads[readKey(table, id)] = version
	return raw, nil
}

func (t *memTx) GetItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error) {
	items := make(map[string]domain.InventoryItem, len(ids))
	for _, id := range ids {
		raw, err := t.first(tableItems, id)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			items[id] = *raw.(*domain.InventoryItem)
		}
	}
	return items, nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	raw, err := t.first(tableOrders, id)
	if err != nil || raw == nil {
		return nil, err
	}
	o := copyOrder(*raw.(*domain.Order))
	return &o, nil
}

func (t *memTx) GetUnit(ctx context.Context, id string) (*domain.AssembledUnit, error) {
	raw, err := t.first(tableUnits, id)
	if err != nil || raw == nil {
		return nil, err
	}
	u := copyUnit(*raw.(*domain.AssembledUnit))
	return &u, nil
}

func (t *memTx) stage(table, id string, obj interface{}, del bool) {
	expected, ok := t.reads[readKey(table, id)]
	if !ok {
		expected = -1
	}
	t.writes = append(t.writes, memWrite{table: table, id: id, obj: obj, expected: expected, delete: del})
}

func (t *memTx) PutItem(item domain.InventoryItem) error {
	t.stage(tableItems, item.ID, &item, false)
	return nil
}

func (t *memTx) PutOrder(order domain.Order) error {
	o := copyOrder(order)
	t.stage(tableOrders, order.ID, &o, false)
	return nil
}

func (t *memTx) DeleteOrder(order domain.Order) error {
	t.stage(tableOrders, order.ID, nil, true)
	return nil
}

func (t *memTx) PutUnit(unit domain.AssembledUnit) error {
	u := copyUnit(unit)
	t.stage(tableUnits, unit.ID, &u, false)
	return nil
}

// commit validates every read and write against the latest committed state
// under memdb's single writer lock, then applies the writes.
func (t *memTx) commit(db *memdb.MemDB) error {
	w := db.Txn(true)
	defer w.Abort()

	written := make(map[string]bool, len(t.writes))
	for _, wr := range t.writes {
		written[readKey(wr.table, wr.id)] = true
		cur, err := w.First(wr.table, "id", wr.id)
		if err != nil {
			return fmt.Errorf("validate %s %s: %w", wr.table, wr.id, err)
		}
		if !sameVersion(cur, wr.expected) {
			return fmt.Errorf("%s %s changed concurrently: %w", wr.table, wr.id, domain.ErrConflict)
		}
		if wr.delete {
			if cur != nil {
				if err := w.Delete(wr.table, cur); err != nil {
					return fmt.Errorf("delete %s %s: %w", wr.table, wr.id, err)
				}
			}
			continue
		}
		next := wr.expected + 1
		if wr.expected < 0 {
			next = 1
		}
		setVersion(wr.obj, next)
		if err := w.Insert(wr.table, wr.obj); err != nil {
			return fmt.Errorf("write %s %s: %w", wr.table, wr.id, err)
		}
	}

	for key, version := range t.reads {
		if written[key] {
			continue
		}
		table, id := splitKey(key)
		cur, err := w.First(table, "id", id)
		if err != nil {
			return fmt.Errorf("validate %s %s: %w", table, id, err)
		}
		if !sameVersion(cur, version) {
			return fmt.Errorf("%s %s changed concurrently: %w", table, id, domain.ErrConflict)
		}
	}

	w.Commit()
	return nil
}

func splitKey(key string) (string, string) {
	table, id, _ := strings.Cut(key, "/")
	return table, id
}

func sameVersion(cur interface{}, expected int) bool {
	if cur == nil {
		return expected < 0
	}
	return expected >= 0 && versionOf(cur) == expected
}

func versionOf(obj interface{}) int {
	switch v := obj.(type) {
	case *domain.InventoryItem:
		return v.Version
	case *domain.Order:
		return v.Version
	case *domain.AssembledUnit:
		return v.Version
	}
	return 0
}

func setVersion(obj interface{}, version int) {
	switch v := obj.(type) {
	case *domain.InventoryItem:
		v.Version = version
	case *domain.Order:
		v.Version = version
	case *domain.AssembledUnit:
		v.Version = version
	}
}

func copyOrder(o domain.Order) domain.Order {
	o.Lines = append([]domain.OrderLine(nil), o.Lines...)
	if o.FulfilledAt != nil {
		t := *o.FulfilledAt
		o.FulfilledAt = &t
	}
	return o
}

func copyUnit(u domain.AssembledUnit) domain.AssembledUnit {
	u.Components = append([]domain.Component(nil), u.Components...)
	return u
}

func copyDraft(d domain.Draft) domain.Draft {
	sel := make(map[domain.Slot]string, len(d.Selections))
	for k, v := range d.Selections {
		sel[k] = v
	}
	d.Selections = sel
	return d
}
