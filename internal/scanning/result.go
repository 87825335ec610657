package scanning

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ocr/internal/extraction"
)

const errNoText = "no text recognized"

// Confidence holds per-field scores and their aggregate.
type Confidence struct {
	Overall  float64 `json:"overall" yaml:"overall"`
	Amount   float64 `json:"amount" yaml:"amount"`
	Date     float64 `json:"date" yaml:"date"`
	Merchant float64 `json:"merchant" yaml:"merchant"`
}

// newConfidence averages the non-zero field scores.
func newConfidence(amount, date, merchant float64) Confidence {
	c := Confidence{Amount: amount, Date: date, Merchant: merchant}
	sum, n := 0.0, 0
	for _, v := range []float64{amount, date, merchant} {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n > 0 {
		c.Overall = sum / float64(n)
	}
	return c
}

// OcrResult is the outcome of one scan. Success is false only when no text
// was recognized or the call failed; a result with text but no fields still
// succeeds, with zero confidence.
type OcrResult struct {
	Success    bool                                  `json:"success" yaml:"success"`
	Text       string                                `json:"text" yaml:"text"`
	Amount     extraction.Candidate[decimal.Decimal] `json:"amount" yaml:"amount"`
	Date       extraction.Candidate[extraction.Date] `json:"date" yaml:"date"`
	Merchant   extraction.Candidate[string]          `json:"merchant" yaml:"merchant"`
	Confidence Confidence                            `json:"confidence" yaml:"confidence"`
	Error      string                                `json:"error,omitempty" yaml:"error,omitempty"`
	Pass       int                                   `json:"pass" yaml:"pass"`
	Rotation   int                                   `json:"rotation" yaml:"rotation"`
	Degraded   bool                                  `json:"degraded" yaml:"degraded"`
}

// NeedsConfirmation reports whether the prefilled fields should be confirmed
// by the user before saving.
func (r *OcrResult) NeedsConfirmation() bool {
	return r.Confidence.Overall < DefaultConfidenceThreshold
}

type passInfo struct {
	pass     int
	rotation int
	degraded bool
}

func newPassResult(text string, amount extraction.Candidate[decimal.Decimal], date extraction.Candidate[extraction.Date], merchant extraction.Candidate[string], info passInfo) *OcrResult {
	return &OcrResult{
		Success:    true,
		Text:       strings.TrimSpace(text),
		Amount:     amount,
		Date:       date,
		Merchant:   merchant,
		Confidence: newConfidence(amount.Confidence, date.Confidence, merchant.Confidence),
		Pass:       info.pass,
		Rotation:   info.rotation,
		Degraded:   info.degraded,
	}
}

func newBlankResult(info passInfo) *OcrResult {
	return &OcrResult{
		Error:    errNoText,
		Pass:     info.pass,
		Rotation: info.rotation,
		Degraded: info.degraded,
	}
}

func newFailureResult(msg string) *OcrResult {
	return &OcrResult{Error: msg}
}
