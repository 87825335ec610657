package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ocr/internal/extraction"
	"github.com/zombor/receipt-ocr/internal/scanning"
)

// ErrInvalidReceipt marks user input that cannot be saved.
var ErrInvalidReceipt = errors.New("invalid receipt")

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		idGenerator: &uuidGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	reFilenameSpecial = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	reFilenameSpaces  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if reFilenameSpecial.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = reFilenameSpecial.ReplaceAllString(base, "")
	base = reFilenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Phone cameras produce very long names
	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// ScanReceipt stores an upload, runs OCR on it and saves a receipt prefilled
// from the result. When the scan fails or no text is recognized the upload
// is removed again and nothing is saved.
func (s *Service) ScanReceipt(ctx context.Context, filename string, data []byte, contentType string, opts ScanOptions) (*ScanResult, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	img := scanning.NewRawImage(data, contentType)
	var res *scanning.OcrResult
	if opts.Enhanced {
		res, err = s.scanner.ProcessReceiptEnhanced(ctx, img, opts.MultiPass)
	} else {
		res, err = s.scanner.ProcessReceipt(ctx, img)
	}
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"mode", opts.mode(),
			"error", err,
		)
		s.removeFile(savedPath)
		return &ScanResult{OCR: res}, fmt.Errorf("scanning receipt: %w", err)
	}
	if !res.Success {
		slog.Warn("No text recognized on receipt", "filename", filename, "mode", opts.mode())
		s.removeFile(savedPath)
		return &ScanResult{OCR: res}, nil
	}

	receipt := &Receipt{
		ID:          id,
		Title:       merchantTitle(res),
		Date:        receiptDate(res, now),
		Amount:      amountCents(res),
		Filename:    savedPath,
		ContentType: contentType,
		Confidence:  res.Confidence.Overall,
		NeedsReview: res.NeedsConfirmation(),
		ScanMode:    opts.mode(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		s.removeFile(savedPath)
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	return &ScanResult{Receipt: receipt, OCR: res}, nil
}

func (s *Service) removeFile(path string) {
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

func merchantTitle(res *scanning.OcrResult) string {
	if res.Merchant.Present() {
		return *res.Merchant.Value
	}
	return ""
}

func receiptDate(res *scanning.OcrResult, now time.Time) time.Time {
	if res.Date.Present() {
		return res.Date.Value.Time()
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amountCents(res *scanning.OcrResult) int64 {
	if !res.Amount.Present() {
		return 0
	}
	return res.Amount.Value.Shift(2).Round(0).IntPart()
}

// SaveReceipt creates a manually entered receipt, or confirms and updates an
// existing one when input.ID is set.
func (s *Service) SaveReceipt(input ReceiptInput) (*Receipt, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidReceipt)
	}
	date, err := extraction.ParseDate(strings.TrimSpace(input.Date))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(input.Amount))
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %w", ErrInvalidReceipt, err)
	}
	if amount.IsNegative() || amount.Exponent() < -2 {
		return nil, fmt.Errorf("%w: amount must be positive with at most two decimal places", ErrInvalidReceipt)
	}

	now := s.timeSource.Now()
	var receipt *Receipt
	if input.ID == "" {
		receipt = &Receipt{
			ID:        s.idGenerator.Generate(),
			ScanMode:  "manual",
			CreatedAt: now,
		}
	} else {
		receipt, err = s.db.GetReceipt(input.ID)
		if err != nil {
			return nil, fmt.Errorf("getting receipt: %w", err)
		}
	}

	receipt.Title = title
	receipt.Date = date.Time()
	receipt.Amount = amount.Shift(2).IntPart()
	receipt.NeedsReview = false
	receipt.UpdatedAt = now

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts, newest first
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(id string) error {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if receipt.Filename != "" {
		// Log error but continue with database deletion
		s.removeFile(receipt.Filename)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the file data for a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Filename == "" {
		return nil, "", fmt.Errorf("receipt %s has no file: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}
