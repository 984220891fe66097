package report

import (
	"context"
	"html/template"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/atrium-pm/atrium/internal/billing"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a monetary value with thousand separators.
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("%.2f", v)
}

const invoiceDocument = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Number}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; margin: 40px; color: #1a1a1a; }
h1 { font-size: 20px; }
table { width: 100%; border-collapse: collapse; margin-top: 24px; }
th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #ddd; }
td.amount, th.amount { text-align: right; }
.total td { font-weight: bold; border-top: 2px solid #1a1a1a; }
.meta { color: #555; font-size: 12px; margin-top: 4px; }
</style>
</head>
<body>
<h1>Invoice {{.Number}}</h1>
<p class="meta">Issued {{.InvoiceDate}} &middot; Due {{.DueDate}}</p>
<p>{{.TenantName}}</p>
<table>
<tr><th>Charge</th><th class="amount">Amount</th></tr>
<tr><td>Base rent</td><td class="amount">{{.BaseRent}}</td></tr>
<tr><td>Service charges</td><td class="amount">{{.ServiceCharges}}</td></tr>
<tr><td>Parking ({{.ParkingSpots}} spot(s))</td><td class="amount">{{.ParkingFees}}</td></tr>
{{if .LateFee}}<tr><td>Late fee</td><td class="amount">{{.LateFee}}</td></tr>{{end}}
<tr class="total"><td>Total</td><td class="amount">{{.Total}}</td></tr>
<tr><td>Paid</td><td class="amount">{{.Paid}}</td></tr>
<tr class="total"><td>Balance due</td><td class="amount">{{.Balance}}</td></tr>
</table>
</body>
</html>`

const receiptDocument = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Number}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; margin: 40px; color: #1a1a1a; }
h1 { font-size: 20px; }
table { width: 100%; border-collapse: collapse; margin-top: 24px; }
th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #ddd; }
td.amount, th.amount { text-align: right; }
.meta { color: #555; font-size: 12px; margin-top: 4px; }
</style>
</head>
<body>
<h1>Payment receipt {{.Number}}</h1>
<p class="meta">Received {{.PaidAt}} &middot; Method: {{.Method}}</p>
<p>{{.TenantName}}</p>
<table>
<tr><td>Invoice</td><td class="amount">{{.InvoiceNumber}}</td></tr>
<tr><td>Amount received</td><td class="amount">{{.Amount}}</td></tr>
<tr><td>Remaining balance</td><td class="amount">{{.Balance}}</td></tr>
</table>
</body>
</html>`

// Renderer turns invoice and payment snapshots into PDF documents. It
// satisfies billing.Renderer.
type Renderer struct {
	client     *Client
	invoiceTpl *template.Template
	receiptTpl *template.Template
}

// NewRenderer parses the document templates.
func NewRenderer(client *Client) (*Renderer, error) {
	invoiceTpl, err := template.New("invoice").Parse(invoiceDocument)
	if err != nil {
		return nil, err
	}
	receiptTpl, err := template.New("receipt").Parse(receiptDocument)
	if err != nil {
		return nil, err
	}
	return &Renderer{client: client, invoiceTpl: invoiceTpl, receiptTpl: receiptTpl}, nil
}

// InvoicePDF renders the invoice document.
func (r *Renderer) InvoicePDF(ctx context.Context, inv *billing.Invoice, tenant *billing.Tenant) ([]byte, error) {
	data := map[string]any{
		"Number":         inv.Number,
		"InvoiceDate":    inv.InvoiceDate.Format("2006-01-02"),
		"DueDate":        inv.DueDate.Format("2006-01-02"),
		"TenantName":     tenant.Name,
		"BaseRent":       FormatAmount(inv.BaseRent),
		"ServiceCharges": FormatAmount(inv.ServiceCharges),
		"ParkingSpots":   inv.ParkingSpots,
		"ParkingFees":    FormatAmount(inv.ParkingFees()),
		"Total":          FormatAmount(inv.TotalAmount),
		"Paid":           FormatAmount(inv.PaidAmount),
		"Balance":        FormatAmount(inv.Balance),
	}
	if inv.LateFee != nil {
		data["LateFee"] = FormatAmount(*inv.LateFee)
	}
	return r.render(ctx, r.invoiceTpl, data)
}

// ReceiptPDF renders the payment receipt document.
func (r *Renderer) ReceiptPDF(ctx context.Context, p *billing.Payment, inv *billing.Invoice, tenant *billing.Tenant) ([]byte, error) {
	data := map[string]any{
		"Number":        p.Number,
		"PaidAt":        p.PaidAt.Format("2006-01-02"),
		"Method":        p.Method,
		"TenantName":    tenant.Name,
		"InvoiceNumber": inv.Number,
		"Amount":        FormatAmount(p.Amount),
		"Balance":       FormatAmount(inv.Balance),
	}
	return r.render(ctx, r.receiptTpl, data)
}

func (r *Renderer) render(ctx context.Context, tpl *template.Template, data map[string]any) ([]byte, error) {
	var buf strings.Builder
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, buf.String())
}
