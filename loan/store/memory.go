// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

// state holds every table. Its methods assume the caller holds the lock.
type state struct {
	loans      map[string]*loan.Loan
	rows       map[string][]loan.BalanceRow
	history    map[string][]loan.HistoryEntry
	orders     map[string]*sales.SalesOrder
	deliveries map[string]*sales.Delivery
	notes      map[string]*sales.PromissoryNote
	cdns       map[string]*sales.CustomerDeliveryNote
}

func newState() *state {
	return &state{
		loans:      make(map[string]*loan.Loan),
		rows:       make(map[string][]loan.BalanceRow),
		history:    make(map[string][]loan.HistoryEntry),
		orders:     make(map[string]*sales.SalesOrder),
		deliveries: make(map[string]*sales.Delivery),
		notes:      make(map[string]*sales.PromissoryNote),
		cdns:       make(map[string]*sales.CustomerDeliveryNote),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// =============================================================================
// LOANS
// =============================================================================

func (s *state) saveLoan(l *loan.Loan) error {
	s.loans[l.ID] = l.Clone()
	return nil
}

func (s *state) getLoan(id string) (*loan.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	return l.Clone(), nil
}

func (s *state) deleteLoan(id string) error {
	if _, ok := s.loans[id]; !ok {
		return loan.ErrLoanNotFound
	}
	delete(s.loans, id)
	delete(s.rows, id)
	delete(s.history, id)
	return nil
}

func (s *state) lockLoan(id string) (*loan.Loan, []loan.BalanceRow, error) {
	l, err := s.getLoan(id)
	if err != nil {
		return nil, nil, err
	}
	return l, s.balanceRows(id), nil
}

func (s *state) listOpenLoans(customer string) []loan.Loan {
	var out []loan.Loan
	for _, l := range s.loans {
		if (customer == "" || l.Customer == customer) && l.DocStatus == doc.Submitted && l.Status != loan.StatusFullyConverted {
			out = append(out, *l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LoanDate.Equal(out[j].LoanDate) {
			return out[i].LoanDate.Before(out[j].LoanDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) balanceRows(loanID string) []loan.BalanceRow {
	out := append([]loan.BalanceRow(nil), s.rows[loanID]...)
	loan.SortRows(out)
	return out
}

func (s *state) replaceBalanceRows(loanID string, rows []loan.BalanceRow) error {
	seen := make(map[loan.RowKey]bool, len(rows))
	for _, r := range rows {
		if seen[r.Key()] {
			return &loan.IntegrityError{LoanID: loanID, Message: fmt.Sprintf(
				"duplicate balance row for item %s, batch %s, serial %s", r.ItemCode, r.BatchNo, r.SerialNo)}
		}
		seen[r.Key()] = true
	}
	s.rows[loanID] = append([]loan.BalanceRow(nil), rows...)
	return nil
}

func (s *state) updateBalanceRows(rows []loan.BalanceRow) error {
	for _, r := range rows {
		existing := s.rows[r.LoanID]
		found := false
		for i := range existing {
			if existing[i].ID == r.ID {
				existing[i].Converted = r.Converted
				existing[i].Remaining = r.Remaining
				found = true
				break
			}
		}
		if !found {
			return &loan.IntegrityError{LoanID: r.LoanID, Message: "update of unknown balance row " + r.ID}
		}
	}
	return nil
}

func (s *state) appendHistory(entries []loan.HistoryEntry) error {
	for _, h := range entries {
		s.history[h.LoanID] = append(s.history[h.LoanID], h)
	}
	return nil
}

func (s *state) historyOf(loanID, deliveryID string) []loan.HistoryEntry {
	var out []loan.HistoryEntry
	for _, h := range s.history[loanID] {
		if deliveryID == "" || h.DeliveryID == deliveryID {
			out = append(out, h)
		}
	}
	return out
}

func (s *state) deleteHistory(loanID, deliveryID string) error {
	kept := s.history[loanID][:0:0]
	for _, h := range s.history[loanID] {
		if h.DeliveryID != deliveryID {
			kept = append(kept, h)
		}
	}
	s.history[loanID] = kept
	return nil
}

// =============================================================================
// SALES DOCUMENTS
// =============================================================================

func (s *state) saveSalesOrder(so *sales.SalesOrder) error {
	c := *so
	c.Items = append([]sales.OrderItem(nil), so.Items...)
	s.orders[so.ID] = &c
	return nil
}

func (s *state) getSalesOrder(id string) (*sales.SalesOrder, error) {
	so, ok := s.orders[id]
	if !ok {
		return nil, sales.ErrOrderNotFound
	}
	c := *so
	c.Items = append([]sales.OrderItem(nil), so.Items...)
	return &c, nil
}

func (s *state) saveDelivery(d *sales.Delivery) error {
	c := *d
	c.Lines = append([]sales.DeliveryLine(nil), d.Lines...)
	s.deliveries[d.ID] = &c
	return nil
}

func (s *state) getDelivery(id string) (*sales.Delivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return nil, sales.ErrDeliveryNotFound
	}
	c := *d
	c.Lines = append([]sales.DeliveryLine(nil), d.Lines...)
	return &c, nil
}

func (s *state) deliveredQuantities(soID string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, d := range s.deliveries {
		if d.DocStatus != doc.Submitted || d.IsReturn {
			continue
		}
		for _, l := range d.Lines {
			if l.SalesOrderID == soID {
				out[l.ItemCode] = out[l.ItemCode].Add(l.Qty)
			}
		}
	}
	return out
}

func (s *state) saveNote(n *sales.PromissoryNote) error {
	if n.Status != sales.PromissoryCancelled {
		for _, other := range s.notes {
			if other.ID != n.ID && other.SalesOrderID == n.SalesOrderID && other.Status != sales.PromissoryCancelled {
				return fmt.Errorf("%w: sales order %s", sales.ErrDuplicateNote, n.SalesOrderID)
			}
		}
	}
	c := *n
	c.Items = append([]sales.PromissoryItem(nil), n.Items...)
	s.notes[n.ID] = &c
	return nil
}

func (s *state) getNote(id string) (*sales.PromissoryNote, error) {
	n, ok := s.notes[id]
	if !ok {
		return nil, sales.ErrNoteNotFound
	}
	c := *n
	c.Items = append([]sales.PromissoryItem(nil), n.Items...)
	return &c, nil
}

func (s *state) activeNote(soID string) (*sales.PromissoryNote, error) {
	for id, n := range s.notes {
		if n.SalesOrderID == soID && n.DocStatus != doc.Cancelled {
			return s.getNote(id)
		}
	}
	return nil, sales.ErrNoteNotFound
}

func (s *state) saveCustomerNote(n *sales.CustomerDeliveryNote) error {
	if n.DocStatus != doc.Cancelled {
		for _, other := range s.cdns {
			if other.ID != n.ID && other.SalesOrderID == n.SalesOrderID && other.DocStatus != doc.Cancelled {
				return fmt.Errorf("%w: %s is linked to %s", sales.ErrDuplicateCustomerNote, n.SalesOrderID, other.ID)
			}
		}
	}
	c := *n
	c.Items = append([]sales.CustomerNoteItem(nil), n.Items...)
	s.cdns[n.ID] = &c
	return nil
}

func (s *state) getCustomerNote(id string) (*sales.CustomerDeliveryNote, error) {
	n, ok := s.cdns[id]
	if !ok {
		return nil, sales.ErrCustomerNoteNotFound
	}
	c := *n
	c.Items = append([]sales.CustomerNoteItem(nil), n.Items...)
	return &c, nil
}

func (s *state) activeCustomerNote(soID string) (*sales.CustomerDeliveryNote, error) {
	for id, n := range s.cdns {
		if n.SalesOrderID == soID && n.DocStatus != doc.Cancelled {
			return s.getCustomerNote(id)
		}
	}
	return nil, sales.ErrCustomerNoteNotFound
}

// clone deep-copies every table for rollback.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.loans {
		c.loans[k] = v.Clone()
	}
	for k, v := range s.rows {
		c.rows[k] = append([]loan.BalanceRow(nil), v...)
	}
	for k, v := range s.history {
		c.history[k] = append([]loan.HistoryEntry(nil), v...)
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	for k, v := range s.notes {
		c.notes[k] = v
	}
	for k, v := range s.cdns {
		c.cdns[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) SaveLoan(_ context.Context, l *loan.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveLoan(l)
}

func (m *Memory) GetLoan(_ context.Context, id string) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getLoan(id)
}

func (m *Memory) DeleteLoan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteLoan(id)
}

// LockLoan outside a transaction only reads; the exclusive lock is taken by
// WithTx.
func (m *Memory) LockLoan(_ context.Context, id string) (*loan.Loan, []loan.BalanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.lockLoan(id)
}

func (m *Memory) ListOpenLoans(_ context.Context, customer string) ([]loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listOpenLoans(customer), nil
}

func (m *Memory) BalanceRows(_ context.Context, loanID string) ([]loan.BalanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.balanceRows(loanID), nil
}

func (m *Memory) ReplaceBalanceRows(_ context.Context, loanID string, rows []loan.BalanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.replaceBalanceRows(loanID, rows)
}

func (m *Memory) UpdateBalanceRows(_ context.Context, rows []loan.BalanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateBalanceRows(rows)
}

func (m *Memory) DeleteBalanceRows(_ context.Context, loanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.replaceBalanceRows(loanID, nil)
}

func (m *Memory) AppendHistory(_ context.Context, entries []loan.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendHistory(entries)
}

func (m *Memory) History(_ context.Context, loanID, deliveryID string) ([]loan.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.historyOf(loanID, deliveryID), nil
}

func (m *Memory) DeleteHistory(_ context.Context, loanID, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteHistory(loanID, deliveryID)
}

func (m *Memory) SaveSalesOrder(_ context.Context, so *sales.SalesOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveSalesOrder(so)
}

func (m *Memory) GetSalesOrder(_ context.Context, id string) (*sales.SalesOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSalesOrder(id)
}

// LockSalesOrder reads like GetSalesOrder; transactions are already
// serialized by the store-wide lock.
func (m *Memory) LockSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	return m.GetSalesOrder(ctx, id)
}

func (m *Memory) SaveDelivery(_ context.Context, d *sales.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveDelivery(d)
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*sales.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getDelivery(id)
}

func (m *Memory) DeliveredQuantities(_ context.Context, soID string) (map[string]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.deliveredQuantities(soID), nil
}

func (m *Memory) SavePromissoryNote(_ context.Context, n *sales.PromissoryNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveNote(n)
}

func (m *Memory) GetPromissoryNote(_ context.Context, id string) (*sales.PromissoryNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getNote(id)
}

func (m *Memory) ActivePromissoryNote(_ context.Context, soID string) (*sales.PromissoryNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeNote(soID)
}

func (m *Memory) SaveCustomerDeliveryNote(_ context.Context, n *sales.CustomerDeliveryNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveCustomerNote(n)
}

func (m *Memory) GetCustomerDeliveryNote(_ context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCustomerNote(id)
}

func (m *Memory) ActiveCustomerDeliveryNote(_ context.Context, soID string) (*sales.CustomerDeliveryNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeCustomerNote(soID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
// Transactions are serialized by the store-wide lock.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(loan.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	view := &txMemoryView{st: tm.st}

	if err := fn(view); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

// txMemoryView is the Store handed to fn; the lock is already held.
type txMemoryView struct {
	st *state
}

func (v *txMemoryView) SaveLoan(_ context.Context, l *loan.Loan) error { return v.st.saveLoan(l) }

func (v *txMemoryView) GetLoan(_ context.Context, id string) (*loan.Loan, error) {
	return v.st.getLoan(id)
}

func (v *txMemoryView) DeleteLoan(_ context.Context, id string) error { return v.st.deleteLoan(id) }

func (v *txMemoryView) LockLoan(_ context.Context, id string) (*loan.Loan, []loan.BalanceRow, error) {
	return v.st.lockLoan(id)
}

func (v *txMemoryView) ListOpenLoans(_ context.Context, customer string) ([]loan.Loan, error) {
	return v.st.listOpenLoans(customer), nil
}

func (v *txMemoryView) BalanceRows(_ context.Context, loanID string) ([]loan.BalanceRow, error) {
	return v.st.balanceRows(loanID), nil
}

func (v *txMemoryView) ReplaceBalanceRows(_ context.Context, loanID string, rows []loan.BalanceRow) error {
	return v.st.replaceBalanceRows(loanID, rows)
}

func (v *txMemoryView) UpdateBalanceRows(_ context.Context, rows []loan.BalanceRow) error {
	return v.st.updateBalanceRows(rows)
}

func (v *txMemoryView) DeleteBalanceRows(_ context.Context, loanID string) error {
	return v.st.replaceBalanceRows(loanID, nil)
}

func (v *txMemoryView) AppendHistory(_ context.Context, entries []loan.HistoryEntry) error {
	return v.st.appendHistory(entries)
}

func (v *txMemoryView) History(_ context.Context, loanID, deliveryID string) ([]loan.HistoryEntry, error) {
	return v.st.historyOf(loanID, deliveryID), nil
}

func (v *txMemoryView) DeleteHistory(_ context.Context, loanID, deliveryID string) error {
	return v.st.deleteHistory(loanID, deliveryID)
}

func (v *txMemoryView) SaveSalesOrder(_ context.Context, so *sales.SalesOrder) error {
	return v.st.saveSalesOrder(so)
}

func (v *txMemoryView) GetSalesOrder(_ context.Context, id string) (*sales.SalesOrder, error) {
	return v.st.getSalesOrder(id)
}

func (v *txMemoryView) LockSalesOrder(_ context.Context, id string) (*sales.SalesOrder, error) {
	return v.st.getSalesOrder(id)
}

func (v *txMemoryView) SaveDelivery(_ context.Context, d *sales.Delivery) error {
	return v.st.saveDelivery(d)
}

func (v *txMemoryView) GetDelivery(_ context.Context, id string) (*sales.Delivery, error) {
	return v.st.getDelivery(id)
}

func (v *txMemoryView) DeliveredQuantities(_ context.Context, soID string) (map[string]decimal.Decimal, error) {
	return v.st.deliveredQuantities(soID), nil
}

func (v *txMemoryView) SavePromissoryNote(_ context.Context, n *sales.PromissoryNote) error {
	return v.st.saveNote(n)
}

func (v *txMemoryView) GetPromissoryNote(_ context.Context, id string) (*sales.PromissoryNote, error) {
	return v.st.getNote(id)
}

func (v *txMemoryView) ActivePromissoryNote(_ context.Context, soID string) (*sales.PromissoryNote, error) {
	return v.st.activeNote(soID)
}

func (v *txMemoryView) SaveCustomerDeliveryNote(_ context.Context, n *sales.CustomerDeliveryNote) error {
	return v.st.saveCustomerNote(n)
}

func (v *txMemoryView) GetCustomerDeliveryNote(_ context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	return v.st.getCustomerNote(id)
}

func (v *txMemoryView) ActiveCustomerDeliveryNote(_ context.Context, soID string) (*sales.CustomerDeliveryNote, error) {
	return v.st.activeCustomerNote(soID)
}
