package billing

import "errors"

var (
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	ErrPaymentNotFound = errors.New("billing: payment not found")
)
