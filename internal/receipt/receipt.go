package receipt

import (
	"time"

	"github.com/zombor/receipt-ocr/internal/scanning"
)

// Receipt represents a receipt with metadata
type Receipt struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"` // Merchant name
	Date        time.Time `json:"date"`
	Amount      int64     `json:"amount"` // Amount in cents
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	// Confidence is the overall OCR confidence the fields were prefilled with.
	Confidence float64 `json:"confidence"`
	// NeedsReview is set when the scan was not confident enough to trust
	// without confirmation. Saving the receipt through SaveReceipt clears it.
	NeedsReview bool      `json:"needs_review"`
	ScanMode    string    `json:"scan_mode,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScanOptions selects the OCR pipeline for an upload.
type ScanOptions struct {
	Enhanced  bool
	MultiPass bool
}

func (o ScanOptions) mode() string {
	if o.Enhanced {
		return "enhanced"
	}
	return "standard"
}

// ScanResult pairs the stored receipt with the raw OCR result. Receipt is nil
// when no text could be recognized.
type ScanResult struct {
	Receipt *Receipt            `json:"receipt"`
	OCR     *scanning.OcrResult `json:"ocr"`
}

// ReceiptInput is a user-entered or user-confirmed receipt. An empty ID
// creates a new receipt without a file.
type ReceiptInput struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Date   string `json:"date"`   // YYYY-MM-DD
	Amount string `json:"amount"` // Decimal, e.g. "42.50"
}
