package billing

import "fmt"

// Sequence kinds issued by the numbering sequencer.
const (
	SequenceInvoice = "invoice"
	SequencePayment = "payment"
)

var sequencePrefix = map[string]string{
	SequenceInvoice: "INV",
	SequencePayment: "PMT",
}

// FormatNumber renders a human-readable document number such as
// INV-2025-0042 or PMT-2025-0007 from a year-scoped sequence value.
func FormatNumber(kind string, year int, seq int64) string {
	prefix, ok := sequencePrefix[kind]
	if !ok {
		prefix = "DOC"
	}
	return fmt.Sprintf("%s-%04d-%04d", prefix, year, seq)
}
