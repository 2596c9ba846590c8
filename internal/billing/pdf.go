package billing

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

const pdfFont = "Arial"

// RenderPDF lays the invoice out on A4: clinic header, billing details,
// line items, totals and the payments received.
func RenderPDF(inv *Invoice, payments []*Payment, c *clinic.Clinic) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetTitle(inv.InvoiceNumber, false)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	clinicName := inv.ClinicName
	if c != nil && c.Name != "" {
		clinicName = c.Name
	}
	pdf.SetFont(pdfFont, "B", 14)
	pdf.CellFormat(0, 10, tr(clinicName), "", 1, "C", false, 0, "")
	if c != nil && c.Address.Line() != "" {
		pdf.SetFont(pdfFont, "", 10)
		pdf.CellFormat(0, 6, tr(c.Address.Line()), "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont(pdfFont, "B", 12)
	pdf.CellFormat(0, 10, "Invoice "+inv.InvoiceNumber, "1", 1, "C", false, 0, "")
	addDetail(pdf, "Patient", tr(inv.Patient.Name))
	if inv.Patient.Email != "" {
		addDetail(pdf, "Email", inv.Patient.Email)
	}
	addDetail(pdf, "Invoice date", inv.InvoiceDate.Format(dates.Layout))
	addDetail(pdf, "Due date", inv.DueDate.Format(dates.Layout))
	addDetail(pdf, "Status", inv.Status)
	if inv.InsuranceClaimNumber != "" {
		addDetail(pdf, "Insurance claim", inv.InsuranceClaimNumber)
	}
	pdf.Ln(4)

	widths := []float64{80, 20, 30, 25, 35}
	pdf.SetFont(pdfFont, "B", 10)
	pdf.SetFillColor(240, 240, 240)
	for i, h := range []string{"Description", "Qty", "Unit price", "Disc/Tax %", "Total"} {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont(pdfFont, "", 10)
	for _, it := range inv.Items {
		pdf.CellFormat(widths[0], 8, tr(it.Description), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 8, formatMoney(it.Quantity), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 8, money(inv.Currency, it.UnitPrice), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 8, formatMoney(it.DiscountPct)+" / "+formatMoney(it.TaxPct), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 8, money(inv.Currency, it.Total), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(2)

	addTotal(pdf, "Subtotal", money(inv.Currency, inv.Subtotal))
	if inv.DiscountAmount > 0 {
		addTotal(pdf, fmt.Sprintf("Discount (%s%%)", formatMoney(inv.DiscountPct)), "-"+money(inv.Currency, inv.DiscountAmount))
	}
	if inv.TaxAmount > 0 {
		addTotal(pdf, fmt.Sprintf("Tax (%s%%)", formatMoney(inv.TaxPct)), money(inv.Currency, inv.TaxAmount))
	}
	pdf.SetFont(pdfFont, "B", 11)
	addTotal(pdf, "Total", money(inv.Currency, inv.TotalAmount))
	pdf.SetFont(pdfFont, "", 10)
	addTotal(pdf, "Paid", money(inv.Currency, inv.AmountPaid))
	pdf.SetFont(pdfFont, "B", 11)
	addTotal(pdf, "Balance due", money(inv.Currency, inv.BalanceDue))

	if len(payments) > 0 {
		pdf.Ln(4)
		pdf.SetFont(pdfFont, "B", 12)
		pdf.CellFormat(0, 10, "Payments", "1", 1, "C", false, 0, "")
		pdf.SetFont(pdfFont, "", 10)
		for _, p := range payments {
			label := p.PaymentDate.Format(dates.Layout) + " " + p.Method
			value := money(p.Currency, p.Amount) + " (" + p.Status + ")"
			addDetail(pdf, label, p.PaymentNumber+"  "+value)
		}
	}

	if inv.Terms != "" || inv.Notes != "" {
		pdf.Ln(4)
		pdf.SetFont(pdfFont, "", 9)
		if inv.Terms != "" {
			pdf.MultiCell(0, 5, tr("Terms: "+inv.Terms), "", "L", false)
		}
		if inv.Notes != "" {
			pdf.MultiCell(0, 5, tr("Notes: "+inv.Notes), "", "L", false)
		}
	}
	pdf.SetY(pdf.GetY() + 8)
	pdf.SetFont(pdfFont, "I", 8)
	pdf.CellFormat(0, 10, "This is a computer generated invoice", "", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("billing: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func addDetail(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont(pdfFont, "B", 10)
	pdf.CellFormat(45, 8, label, "1", 0, "", false, 0, "")
	pdf.SetFont(pdfFont, "", 10)
	pdf.CellFormat(0, 8, value, "1", 1, "", false, 0, "")
}

func addTotal(pdf *gofpdf.Fpdf, label, value string) {
	pdf.CellFormat(155, 7, label, "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, value, "", 1, "R", false, 0, "")
}

func money(currency string, amount float64) string {
	return currency + " " + dec(amount).StringFixed(2)
}
