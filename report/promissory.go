/*
Package report renders documents as spreadsheets.

PURPOSE:
  A promissory note is the customer-facing statement of what is still owed
  on a sales order. It is exported as a single-sheet XLSX: a small header
  block, one row per order item and a total row.

LAYOUT:
  A1:B5   note, sales order, customer, date, status
  row 7   column headings
  row 8+  one row per item
  last    total of the sub-totals

SEE ALSO:
  - sales/projection.go: how the rows are computed
  - api/server.go: GET /api/sales-orders/{id}/promissory-note.xlsx
*/
package report

import (
	"fmt"
	"io"

	"github.com/nbs/loanledger/sales"
	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of the XLSX output.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet is the name of the promissory note sheet.
const Sheet = "Promissory Note"

// HeaderRow is the row holding the column headings.
const HeaderRow = 7

var columns = []string{"Item", "Description", "UOM", "Ordered", "Delivered", "Remaining", "Unit Price", "Sub Total"}

// Promissory builds the workbook for a note.
func Promissory(n *sales.PromissoryNote) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", Sheet); err != nil {
		f.Close()
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	header := [][2]any{
		{"Promissory Note", n.ID},
		{"Sales Order", n.SalesOrderID},
		{"Customer", n.Customer},
		{"Date", n.Date.Format("2006-01-02")},
		{"Status", string(n.Status)},
	}
	for i, kv := range header {
		row := i + 1
		if err := setRow(f, row, kv[:]...); err != nil {
			f.Close()
			return nil, err
		}
	}

	headings := make([]any, len(columns))
	for i, c := range columns {
		headings[i] = c
	}
	if err := setRow(f, HeaderRow, headings...); err != nil {
		f.Close()
		return nil, err
	}

	row := HeaderRow + 1
	for _, it := range n.Items {
		err := setRow(f, row,
			it.ItemCode,
			it.Description,
			it.UOM,
			it.Ordered.InexactFloat64(),
			it.Delivered.InexactFloat64(),
			it.QtyRemaining.InexactFloat64(),
			it.UnitPrice.InexactFloat64(),
			it.SubTotal.InexactFloat64(),
		)
		if err != nil {
			f.Close()
			return nil, err
		}
		row++
	}

	totalLabel, _ := excelize.CoordinatesToCellName(len(columns)-1, row)
	totalCell, _ := excelize.CoordinatesToCellName(len(columns), row)
	if err := f.SetCellValue(Sheet, totalLabel, "Total"); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetCellValue(Sheet, totalCell, n.Total.InexactFloat64()); err != nil {
		f.Close()
		return nil, err
	}

	lastHeading, _ := excelize.CoordinatesToCellName(len(columns), HeaderRow)
	for _, r := range [][2]string{{"A1", "A5"}, {"A7", lastHeading}, {totalLabel, totalCell}} {
		if err := f.SetCellStyle(Sheet, r[0], r[1], bold); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetColWidth(Sheet, "A", "B", 22); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// WritePromissory writes the note's workbook to w.
func WritePromissory(w io.Writer, n *sales.PromissoryNote) error {
	f, err := Promissory(n)
	if err != nil {
		return fmt.Errorf("failed to build promissory workbook: %w", err)
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write promissory workbook: %w", err)
	}
	return nil
}

// Filename is the download name for a note's workbook.
func Filename(n *sales.PromissoryNote) string {
	return fmt.Sprintf("promissory-%s.xlsx", n.SalesOrderID)
}

func setRow(f *excelize.File, row int, values ...any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(Sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}
