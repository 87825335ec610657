// Package scanning turns a receipt image into an OcrResult. It owns the
// recognition handle, runs preprocessing, recognition and field extraction
// as sequential stages, retries rotated variants when confidence is low and
// bounds every call with a timeout.
package scanning

import "context"

// RawImage is an encoded receipt image as received from a caller. It is
// only borrowed for the duration of one call.
type RawImage struct {
	Data        []byte
	ContentType string
	// Width and Height are optional metadata; zero means unknown.
	Width  int
	Height int
	Size   int
}

// NewRawImage wraps data with its content type.
func NewRawImage(data []byte, contentType string) RawImage {
	return RawImage{Data: data, ContentType: contentType, Size: len(data)}
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ProcessReceipt runs a single standard pass.
	ProcessReceipt(ctx context.Context, img RawImage) (*OcrResult, error)
	// ProcessReceiptEnhanced runs the advanced pipeline, retrying rotated
	// variants when useMultiPass is set and confidence stays low.
	ProcessReceiptEnhanced(ctx context.Context, img RawImage, useMultiPass bool) (*OcrResult, error)
	// Close releases the recognition engine
	Close() error
}
