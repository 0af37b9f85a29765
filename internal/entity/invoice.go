package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address of a vendor.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

// Vendor is the invoice issuer.
type Vendor struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

// InvoiceItem is a line item. Money fields are null when unparseable.
type InvoiceItem struct {
	Description string              `json:"description"`
	Quantity    int                 `json:"quantity"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	Total       decimal.NullDecimal `json:"total"`
}

// Invoice is the typed extraction result for one document.
// GrandTotal is the pre-tax amount, FinalTotal the amount due.
type Invoice struct {
	Filename      string              `json:"filename"`
	InvoiceNumber string              `json:"invoice_number"`
	Vendor        Vendor              `json:"vendor"`
	InvoiceDate   *time.Time          `json:"invoice_date,omitempty"`
	DateText      string              `json:"date_text,omitempty"` // raw date string that failed to parse
	GrandTotal    decimal.NullDecimal `json:"grand_total"`
	Taxes         decimal.NullDecimal `json:"taxes"`
	FinalTotal    decimal.NullDecimal `json:"final_total"`
	Items         []InvoiceItem       `json:"items"`
	Pages         int                 `json:"pages"`
}

// ValidationOutcome pairs an invoice with its hard errors and soft warnings.
type ValidationOutcome struct {
	Invoice  Invoice  `json:"-"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// AnomalyFlag lists batch-relative anomalies for one invoice.
type AnomalyFlag struct {
	InvoiceNumber string   `json:"invoice_number"`
	Filename      string   `json:"filename"`
	Flags         []string `json:"flags"`
}
