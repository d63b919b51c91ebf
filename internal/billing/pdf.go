package billing

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

var (
	colorPrimary   = [3]int{30, 58, 95}
	colorTextDark  = [3]int{44, 62, 80}
	colorTextMuted = [3]int{127, 140, 141}
	colorPaid      = [3]int{46, 204, 113}
	colorOpen      = [3]int{241, 196, 15}
	colorRowAlt    = [3]int{241, 245, 249}
)

// RenderPDF draws a single-page invoice document.
func RenderPDF(invoice models.Invoice, plan *models.Plan, tenantLabel string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(20)
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 12, "INVOICE", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, invoice.InvoiceNumber, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	writeStatusBadge(pdf, invoice.Status)
	pdf.Ln(6)

	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	writeField(pdf, "Billed to", tenantLabel)
	writeField(pdf, "Issued", invoice.CreatedAt.UTC().Format("2006-01-02"))
	writeField(pdf, "Period", fmt.Sprintf("%s - %s", invoice.PeriodStart.UTC().Format("2006-01-02"), invoice.PeriodEnd.UTC().Format("2006-01-02")))
	if invoice.PaidAt != nil {
		writeField(pdf, "Paid", invoice.PaidAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	pdf.Ln(6)

	item := "Subscription"
	if plan != nil {
		item = plan.DisplayName
	}
	if invoice.Description != nil && *invoice.Description != "" {
		item = fmt.Sprintf("%s (%s)", item, *invoice.Description)
	}

	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(120, 8, "Description", "", 0, "L", true, 0, "")
	pdf.CellFormat(50, 8, "Amount", "", 1, "R", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetFillColor(colorRowAlt[0], colorRowAlt[1], colorRowAlt[2])
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(120, 8, truncate(item, 70), "", 0, "L", true, 0, "")
	pdf.CellFormat(50, 8, money(invoice.Currency, invoice.Subtotal.StringFixed(2)), "", 1, "R", true, 0, "")
	pdf.Ln(4)

	writeTotalRow(pdf, "Subtotal", money(invoice.Currency, invoice.Subtotal.StringFixed(2)), false)
	if invoice.Tax.IsPositive() {
		writeTotalRow(pdf, "Tax", money(invoice.Currency, invoice.Tax.StringFixed(2)), false)
	}
	writeTotalRow(pdf, "Total", money(invoice.Currency, invoice.Total.StringFixed(2)), true)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoice pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

func writeStatusBadge(pdf *fpdf.Fpdf, status enums.InvoiceStatus) {
	color := colorTextMuted
	switch status {
	case enums.InvoiceStatusPaid:
		color = colorPaid
	case enums.InvoiceStatusOpen:
		color = colorOpen
	}
	pdf.SetFillColor(color[0], color[1], color[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 7, string(status), "", 1, "C", true, 0, "")
}

func writeField(pdf *fpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(35, 6, label, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, value, "", 1, "L", false, 0, "")
}

func writeTotalRow(pdf *fpdf.Fpdf, label, value string, emphasize bool) {
	style := ""
	if emphasize {
		style = "B"
	}
	pdf.SetFont("Arial", style, 11)
	pdf.CellFormat(120, 7, label, "", 0, "R", false, 0, "")
	pdf.CellFormat(50, 7, value, "", 1, "R", false, 0, "")
}

func money(currency, amount string) string {
	return currency + " " + amount
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
