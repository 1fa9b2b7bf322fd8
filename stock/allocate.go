package stock

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// LotMove is a quantity of one batch or serial leaving the source location.
type LotMove struct {
	BatchNo  string
	SerialNo string
	Qty      decimal.Decimal
}

// Resolve fills in the batch/serial identity of a line from the lots of its
// item at the transfer's source location.
//
//   - A line that already names a batch or serial is checked against that lot.
//   - Otherwise, if the item has tracked lots at the source, the quantity is
//     allocated into a bundle: earliest expiry first (no expiry last), then by
//     batch/serial name. Serial lots are taken one unit at a time, so a
//     serialized item only moves in whole units.
//   - Otherwise the line stays untracked.
func Resolve(line TransferLine, source string, lots []Lot) (TransferLine, error) {
	var own []Lot
	for _, l := range lots {
		if l.ItemCode == line.ItemCode && l.Location == source && l.Qty.IsPositive() {
			own = append(own, l)
		}
	}

	if !line.Qty.IsInteger() && (line.SerialNo != "" || hasSerials(own)) {
		return line, fmt.Errorf("%w: item %s is serialized; quantity %s must be a whole number",
			ErrInvalidTransfer, line.ItemCode, line.Qty.String())
	}

	if line.Tracked() {
		for _, l := range own {
			if l.BatchNo == line.BatchNo && l.SerialNo == line.SerialNo {
				if l.Qty.LessThan(line.Qty) {
					return line, &InsufficientStockError{
						ItemCode: line.ItemCode, Location: source,
						BatchNo: line.BatchNo, SerialNo: line.SerialNo,
						Available: l.Qty, Requested: line.Qty,
					}
				}
				line.Expiry = l.Expiry
				return line, nil
			}
		}
		return line, &InsufficientStockError{
			ItemCode: line.ItemCode, Location: source,
			BatchNo: line.BatchNo, SerialNo: line.SerialNo,
			Available: decimal.Zero, Requested: line.Qty,
		}
	}

	if len(own) == 0 {
		return line, nil
	}

	sort.SliceStable(own, func(i, j int) bool {
		a, b := own[i].Expiry, own[j].Expiry
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		if own[i].BatchNo != own[j].BatchNo {
			return own[i].BatchNo < own[j].BatchNo
		}
		return own[i].SerialNo < own[j].SerialNo
	})

	need := line.Qty
	available := decimal.Zero
	var bundle []BundleEntry
	for _, l := range own {
		available = available.Add(l.Qty)
		if !need.IsPositive() {
			continue
		}
		take := decimal.Min(need, l.Qty)
		if l.SerialNo != "" {
			take = decimal.NewFromInt(1)
		}
		bundle = append(bundle, BundleEntry{
			BatchNo:  l.BatchNo,
			SerialNo: l.SerialNo,
			Qty:      take.Neg(),
			Expiry:   l.Expiry,
		})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		return line, &InsufficientStockError{
			ItemCode: line.ItemCode, Location: source,
			Available: available, Requested: line.Qty,
		}
	}
	line.Bundle = bundle
	return line, nil
}

func hasSerials(lots []Lot) bool {
	for _, l := range lots {
		if l.SerialNo != "" {
			return true
		}
	}
	return false
}

// Moves lists the lot quantities a resolved line takes from its source.
// Untracked lines return nil.
func Moves(line TransferLine) []LotMove {
	if line.Tracked() {
		return []LotMove{{BatchNo: line.BatchNo, SerialNo: line.SerialNo, Qty: line.Qty}}
	}
	var moves []LotMove
	for _, e := range line.Bundle {
		moves = append(moves, LotMove{BatchNo: e.BatchNo, SerialNo: e.SerialNo, Qty: e.Qty.Abs()})
	}
	return moves
}
