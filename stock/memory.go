package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY LEDGER - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	bins      map[binKey]decimal.Decimal
	lots      []Lot
	transfers map[string]*Transfer
	now       func() time.Time
}

type binKey struct {
	item     string
	location string
}

func NewMemory() *Memory {
	return &Memory{
		bins:      make(map[binKey]decimal.Decimal),
		transfers: make(map[string]*Transfer),
		now:       time.Now,
	}
}

func (m *Memory) Available(_ context.Context, itemCode, location string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bins[binKey{itemCode, location}], nil
}

func (m *Memory) ItemsInStock(_ context.Context, location, search string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	search = strings.ToLower(search)
	for k, q := range m.bins {
		if k.location == location && q.IsPositive() && strings.Contains(strings.ToLower(k.item), search) {
			out = append(out, k.item)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Receive(_ context.Context, r Receipt) error {
	if r.ItemCode == "" || r.Location == "" {
		return fmt.Errorf("%w: item and location are required", ErrInvalidTransfer)
	}
	qty := r.Qty
	if len(r.SerialNos) > 0 {
		qty = decimal.NewFromInt(int64(len(r.SerialNos)))
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: receipt quantity must be positive", ErrInvalidTransfer)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := binKey{r.ItemCode, r.Location}
	m.bins[k] = m.bins[k].Add(qty)
	switch {
	case len(r.SerialNos) > 0:
		for _, sn := range r.SerialNos {
			m.lots = append(m.lots, Lot{
				ItemCode: r.ItemCode, Location: r.Location, BatchNo: r.BatchNo,
				SerialNo: sn, Qty: decimal.NewFromInt(1), Expiry: r.Expiry,
			})
		}
	case r.BatchNo != "":
		m.lots = addLot(m.lots, Lot{
			ItemCode: r.ItemCode, Location: r.Location, BatchNo: r.BatchNo,
			Qty: qty, Expiry: r.Expiry,
		})
	}
	return nil
}

// SubmitTransfer resolves and applies every line against a working copy of
// the bins and lots, then swaps the copy in. A failing line leaves nothing
// moved.
func (m *Memory) SubmitTransfer(_ context.Context, t Transfer) (*Transfer, error) {
	if err := ValidateTransfer(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bins := make(map[binKey]decimal.Decimal, len(m.bins))
	for k, v := range m.bins {
		bins[k] = v
	}
	lots := append([]Lot(nil), m.lots...)

	out := t
	if out.ID == "" {
		out.ID = doc.NewName(doc.PrefixTransfer)
	}
	if out.PostingDate.IsZero() {
		out.PostingDate = m.now()
	}
	out.Status = doc.Submitted
	out.Lines = make([]TransferLine, 0, len(t.Lines))

	for _, line := range t.Lines {
		src := binKey{line.ItemCode, t.Source}
		if bins[src].LessThan(line.Qty) {
			return nil, &InsufficientStockError{
				ItemCode: line.ItemCode, Location: t.Source,
				Available: bins[src], Requested: line.Qty,
			}
		}
		resolved, err := Resolve(line, t.Source, lots)
		if err != nil {
			return nil, err
		}
		if resolved.ID == "" {
			resolved.ID = doc.NewName(doc.PrefixTransferLn)
		}
		lots, err = moveLots(lots, resolved, t.Source, t.Target)
		if err != nil {
			return nil, err
		}
		dst := binKey{line.ItemCode, t.Target}
		bins[src] = bins[src].Sub(line.Qty)
		bins[dst] = bins[dst].Add(line.Qty)
		out.Lines = append(out.Lines, resolved)
	}

	m.bins = bins
	m.lots = lots
	stored := out
	m.transfers[out.ID] = &stored
	return cloneTransfer(&stored), nil
}

func (m *Memory) GetTransfer(_ context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return cloneTransfer(t), nil
}

// CancelTransfer moves every line back from target to source.
func (m *Memory) CancelTransfer(_ context.Context, id string, c Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if t.Status == doc.Cancelled {
		return ErrTransferCancelled
	}
	if !c.Allows(t) {
		return ErrLoanTransfer
	}

	bins := make(map[binKey]decimal.Decimal, len(m.bins))
	for k, v := range m.bins {
		bins[k] = v
	}
	lots := append([]Lot(nil), m.lots...)

	for _, line := range t.Lines {
		back := binKey{line.ItemCode, t.Target}
		if bins[back].LessThan(line.Qty) {
			return &InsufficientStockError{
				ItemCode: line.ItemCode, Location: t.Target,
				Available: bins[back], Requested: line.Qty,
			}
		}
		var err error
		lots, err = moveLots(lots, line, t.Target, t.Source)
		if err != nil {
			return err
		}
		bins[back] = bins[back].Sub(line.Qty)
		src := binKey{line.ItemCode, t.Source}
		bins[src] = bins[src].Add(line.Qty)
	}

	m.bins = bins
	m.lots = lots
	t.Status = doc.Cancelled
	return nil
}

// Lots returns a copy of the tracked lots of an item at a location.
func (m *Memory) Lots(itemCode, location string) []Lot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Lot
	for _, l := range m.lots {
		if l.ItemCode == itemCode && l.Location == location && l.Qty.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// =============================================================================
// LOT BOOKKEEPING
// =============================================================================

func moveLots(lots []Lot, line TransferLine, from, to string) ([]Lot, error) {
	for _, mv := range Moves(line) {
		idx := -1
		for i, l := range lots {
			if l.ItemCode == line.ItemCode && l.Location == from &&
				l.BatchNo == mv.BatchNo && l.SerialNo == mv.SerialNo {
				idx = i
				break
			}
		}
		if idx < 0 || lots[idx].Qty.LessThan(mv.Qty) {
			avail := decimal.Zero
			if idx >= 0 {
				avail = lots[idx].Qty
			}
			return nil, &InsufficientStockError{
				ItemCode: line.ItemCode, Location: from,
				BatchNo: mv.BatchNo, SerialNo: mv.SerialNo,
				Available: avail, Requested: mv.Qty,
			}
		}
		lots[idx].Qty = lots[idx].Qty.Sub(mv.Qty)
		lots = addLot(lots, Lot{
			ItemCode: line.ItemCode, Location: to,
			BatchNo: mv.BatchNo, SerialNo: mv.SerialNo,
			Qty: mv.Qty, Expiry: lots[idx].Expiry,
		})
	}
	return lots, nil
}

func addLot(lots []Lot, lot Lot) []Lot {
	for i, l := range lots {
		if l.ItemCode == lot.ItemCode && l.Location == lot.Location &&
			l.BatchNo == lot.BatchNo && l.SerialNo == lot.SerialNo {
			lots[i].Qty = l.Qty.Add(lot.Qty)
			return lots
		}
	}
	return append(lots, lot)
}

func cloneTransfer(t *Transfer) *Transfer {
	out := *t
	out.Lines = make([]TransferLine, len(t.Lines))
	for i, l := range t.Lines {
		l.Bundle = append([]BundleEntry(nil), l.Bundle...)
		out.Lines[i] = l
	}
	return &out
}
