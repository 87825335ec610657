package scanning

import (
	"time"

	"github.com/zombor/receipt-ocr/internal/extraction"
	"github.com/zombor/receipt-ocr/internal/preprocess"
)

const (
	DefaultStandardTimeout     = 10 * time.Second
	DefaultEnhancedTimeout     = 15 * time.Second
	DefaultConfidenceThreshold = 0.7
)

// Config tunes a Pipeline.
type Config struct {
	StandardTimeout time.Duration
	EnhancedTimeout time.Duration
	// ConfidenceThreshold stops multi-pass retries once reached.
	ConfidenceThreshold float64
	// ValidationYears bounds how old an enhanced-mode date may be.
	ValidationYears int
	// DayFirst resolves ambiguous numeric dates as day/month.
	DayFirst bool
	// RetryRotations are tried in order after a low-confidence first pass.
	RetryRotations []preprocess.Rotation
}

// DefaultConfig returns the stock budgets and thresholds.
func DefaultConfig() Config {
	return Config{
		StandardTimeout:     DefaultStandardTimeout,
		EnhancedTimeout:     DefaultEnhancedTimeout,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		ValidationYears:     extraction.DefaultValidationYears,
		RetryRotations:      []preprocess.Rotation{preprocess.Rotate90, preprocess.Rotate180, preprocess.Rotate270},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StandardTimeout <= 0 {
		c.StandardTimeout = d.StandardTimeout
	}
	if c.EnhancedTimeout <= 0 {
		c.EnhancedTimeout = d.EnhancedTimeout
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.ValidationYears <= 0 {
		c.ValidationYears = d.ValidationYears
	}
	if c.RetryRotations == nil {
		c.RetryRotations = d.RetryRotations
	}
	return c
}
