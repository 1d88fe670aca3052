package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// BillDocument is the printable view of a provisional bill: the payable lines
// at the moment of issuance with the tax backed out of the inclusive total.
type BillDocument struct {
	OperationID string
	TableName   string
	WaiterName  string
	GeneratedAt time.Time
	Lines       []core.LineItem
	Subtotal    decimal.Decimal
	TaxAmount   decimal.Decimal
	Total       decimal.Decimal
}

// ExportBill renders the current payable view of an operation as a PDF for
// the receipt printer. It reads local state only; issuing the bill against
// the server is IssueBill's job.
func (s *OrderService) ExportBill(ctx context.Context, operationID string, staff core.Staff) ([]byte, string, error) {
	led, err := s.Ledger(ctx, operationID)
	if err != nil {
		return nil, "", err
	}

	lines := led.PayableLines()
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Total())
	}
	divisor := decimal.NewFromInt(1).Add(s.policy.TaxRate)
	taxAmount := total.Sub(total.Div(divisor)).Round(2)

	doc := &BillDocument{
		OperationID: operationID,
		TableName:   s.tableNameForOperation(operationID),
		WaiterName:  staff.Name,
		GeneratedAt: time.Now(),
		Lines:       lines,
		Subtotal:    total.Sub(taxAmount),
		TaxAmount:   taxAmount,
		Total:       total,
	}

	pdfBytes, err := renderBillPDF(doc)
	if err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("bill-%s-%s.pdf", operationID, doc.GeneratedAt.Format("20060102-150405"))
	return pdfBytes, filename, nil
}

func (s *OrderService) tableNameForOperation(operationID string) string {
	for _, t := range s.tables.Tables().All() {
		if t.CurrentOperationID == operationID {
			return t.Name
		}
	}
	return ""
}

func renderBillPDF(doc *BillDocument) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 8, "Provisional Bill", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Table: %s", safeBillValue(doc.TableName)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Served By: %s", safeBillValue(doc.WaiterName)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operation: %s", doc.OperationID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Issued At: %s", doc.GeneratedAt.Format("02 Jan 2006 15:04")), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Items", "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	if len(doc.Lines) == 0 {
		pdf.CellFormat(0, 6, "No payable items remain on this order.", "", 1, "L", false, 0, "")
	} else {
		for _, line := range doc.Lines {
			itemLine := fmt.Sprintf(
				"%dx %s @ %s = %s",
				line.Quantity,
				safeBillValue(line.Name),
				line.UnitPrice.StringFixed(2),
				line.Total().StringFixed(2),
			)
			pdf.MultiCell(0, 5, itemLine, "", "L", false)
			if line.Notes != "" {
				pdf.MultiCell(0, 5, fmt.Sprintf("   %s", line.Notes), "", "L", false)
			}
		}
	}
	pdf.Ln(2)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Totals", "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(95, 7, fmt.Sprintf("Subtotal: %s", doc.Subtotal.StringFixed(2)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Tax: %s", doc.TaxAmount.StringFixed(2)), "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(190, 8, fmt.Sprintf("Total Due: %s", doc.Total.StringFixed(2)), "1", 1, "L", false, 0, "")

	pdf.Ln(4)
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 5, "This is not a fiscal receipt.", "", 1, "L", false, 0, "")

	var buffer bytes.Buffer
	if err := pdf.Output(&buffer); err != nil {
		return nil, fmt.Errorf("failed to render PDF: %w", err)
	}

	return buffer.Bytes(), nil
}

func safeBillValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
