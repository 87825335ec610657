package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrDecode is returned when input bytes cannot be turned into a bitmap.
var ErrDecode = errors.New("image could not be decoded")

// Decode turns raw upload bytes into an image. PDFs are rendered from their
// first page and HEIC/HEIF photos (common on iPhones) go through a pure Go
// decoder; everything else uses the registered image decoders.
func Decode(data []byte, contentType string) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "application/pdf" || isPDFFormat(data):
		img, err = renderPDF(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, BMP, TIFF, WebP, HEIC, PDF): %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// renderPDF rasterizes the first page; receipts are almost always single page.
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func isPDFFormat(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// isHEICFormat checks for an ftyp box carrying a HEIC-family brand at offset 4.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
