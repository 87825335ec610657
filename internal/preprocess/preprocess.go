// Package preprocess turns decoded receipt photos into bitmaps that OCR
// engines read well: grayscale, stretched contrast, sharpened edges and, in
// advanced mode, a rectified and locally binarized page.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
)

// ErrDegraded marks a bitmap produced by the standard fallback after an
// advanced transform could not be computed.
var ErrDegraded = errors.New("advanced preprocessing fell back to standard output")

// Mode selects the transform pipeline.
type Mode int

const (
	// ModeStandard applies grayscale, contrast stretch and sharpening only.
	ModeStandard Mode = iota
	// ModeAdvanced adds perspective correction, rotation and adaptive thresholding.
	ModeAdvanced
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeAdvanced:
		return "advanced"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Rotation is a clockwise quarter turn applied in advanced mode.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the supported quarter turns.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}

// Options tunes the preprocessor.
type Options struct {
	// ScratchDir receives temporary bitmap artifacts. Empty means os.TempDir().
	ScratchDir string
	// MaxDimension caps the long edge of the working image.
	MaxDimension int
	// MinHeight upscales short captures so small print survives recognition.
	// Zero disables upscaling.
	MinHeight int
	// UpscaleHeight is the target height when MinHeight triggers.
	UpscaleHeight int
	// Contrast is passed to imaging.AdjustContrast after the histogram stretch.
	Contrast float64
	// SharpenSigma is the Gaussian sigma for imaging.Sharpen.
	SharpenSigma float64
	// ThresholdWindowDivisor sets the adaptive threshold window to width/divisor.
	ThresholdWindowDivisor int
	// ThresholdBias is the fraction below the local mean that turns a pixel black.
	ThresholdBias float64
}

// DefaultOptions returns the settings used in production.
func DefaultOptions() Options {
	return Options{
		MaxDimension:           2400,
		MinHeight:              900,
		UpscaleHeight:          1300,
		Contrast:               20,
		SharpenSigma:           1.0,
		ThresholdWindowDivisor: 8,
		ThresholdBias:          0.15,
	}
}

// Bitmap is a preprocessed image owned by a single recognition pass. The
// artifact at Path must be removed with Release once recognition is done.
type Bitmap struct {
	Image    image.Image
	Path     string
	Mode     Mode
	Rotation Rotation
	// Degraded is non-nil (wrapping ErrDegraded) when an advanced transform
	// was skipped.
	Degraded error

	released bool
}

// Release deletes the temporary artifact and drops the pixel buffer. Safe to
// call more than once.
func (b *Bitmap) Release() error {
	if b == nil || b.released {
		return nil
	}
	b.released = true
	b.Image = nil
	if b.Path == "" {
		return nil
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing bitmap artifact: %w", err)
	}
	return nil
}

// Preprocessor runs the transform pipelines.
type Preprocessor struct {
	opts Options
}

// New creates a Preprocessor. Zero-valued tuning fields fall back to defaults.
func New(opts Options) *Preprocessor {
	def := DefaultOptions()
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = def.MaxDimension
	}
	if opts.UpscaleHeight <= 0 {
		opts.UpscaleHeight = def.UpscaleHeight
	}
	if opts.SharpenSigma <= 0 {
		opts.SharpenSigma = def.SharpenSigma
	}
	if opts.ThresholdWindowDivisor <= 0 {
		opts.ThresholdWindowDivisor = def.ThresholdWindowDivisor
	}
	if opts.ThresholdBias <= 0 || opts.ThresholdBias >= 1 {
		opts.ThresholdBias = def.ThresholdBias
	}
	return &Preprocessor{opts: opts}
}

// Preprocess produces an OCR-ready bitmap and writes it to scratch storage.
// Rotation only applies in advanced mode; standard mode never changes geometry.
func (p *Preprocessor) Preprocess(ctx context.Context, src image.Image, mode Mode, rotation Rotation) (*Bitmap, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty source image", ErrDecode)
	}
	if !rotation.Valid() {
		return nil, fmt.Errorf("unsupported rotation %d", rotation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	std := p.standard(p.normalizeSize(src))

	out := std
	var degraded error
	if mode == ModeAdvanced {
		out, degraded = p.advanced(ctx, std, rotation)
	} else {
		rotation = Rotate0
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := p.writeArtifact(out)
	if err != nil {
		return nil, err
	}

	return &Bitmap{
		Image:    out,
		Path:     path,
		Mode:     mode,
		Rotation: rotation,
		Degraded: degraded,
	}, nil
}

// advanced rectifies, rotates and binarizes. Any step that cannot be computed
// leaves the (rotated) standard output in place and is reported as degraded.
func (p *Preprocessor) advanced(ctx context.Context, std *image.NRGBA, rotation Rotation) (*image.NRGBA, error) {
	var failures []error

	page, err := rectify(std)
	if err != nil {
		failures = append(failures, fmt.Errorf("perspective correction: %w", err))
		page = std
	}
	if ctx.Err() != nil {
		return rotate(std, rotation), ctx.Err()
	}

	page = rotate(page, rotation)

	binary, err := adaptiveThreshold(page, p.opts.ThresholdWindowDivisor, p.opts.ThresholdBias)
	if err != nil {
		failures = append(failures, fmt.Errorf("adaptive threshold: %w", err))
	}

	if len(failures) > 0 {
		// Fall back to the plain standard output, keeping the requested turn.
		return rotate(std, rotation), fmt.Errorf("%w: %w", ErrDegraded, errors.Join(failures...))
	}
	return binary, nil
}

// standard: grayscale -> contrast stretch -> sharpen.
func (p *Preprocessor) standard(img image.Image) *image.NRGBA {
	gray := imaging.Grayscale(img)
	gray = stretchContrast(gray)
	if p.opts.Contrast != 0 {
		gray = imaging.AdjustContrast(gray, p.opts.Contrast)
	}
	return imaging.Sharpen(gray, p.opts.SharpenSigma)
}

// normalizeSize downsizes huge captures and upsizes tiny ones, always keeping
// the aspect ratio and the long edge within MaxDimension.
func (p *Preprocessor) normalizeSize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long := max(w, h)

	if long > p.opts.MaxDimension {
		return imaging.Fit(img, p.opts.MaxDimension, p.opts.MaxDimension, imaging.Lanczos)
	}
	if p.opts.MinHeight > 0 && h < p.opts.MinHeight {
		scale := float64(p.opts.UpscaleHeight) / float64(h)
		if limit := float64(p.opts.MaxDimension) / float64(long); scale > limit {
			scale = limit
		}
		if scale <= 1 {
			return img
		}
		return imaging.Resize(img, int(float64(w)*scale), int(float64(h)*scale), imaging.Lanczos)
	}
	return img
}

// stretchContrast maps the 1st..99th luminance percentiles onto the full range.
func stretchContrast(gray *image.NRGBA) *image.NRGBA {
	var hist [256]int
	total := 0
	forEachGray(gray, func(v uint8) {
		hist[v]++
		total++
	})
	if total == 0 {
		return gray
	}

	lo := percentile(hist, total, 0.01)
	hi := percentile(hist, total, 0.99)
	if hi-lo < 2 {
		return gray
	}

	scale := 255.0 / float64(hi-lo)
	return imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		v := clampByte((float64(c.R) - float64(lo)) * scale)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

func percentile(hist [256]int, total int, q float64) int {
	target := int(float64(total) * q)
	seen := 0
	for v, n := range hist {
		seen += n
		if seen > target {
			return v
		}
	}
	return 255
}

func rotate(img *image.NRGBA, rotation Rotation) *image.NRGBA {
	switch rotation {
	case Rotate90:
		// imaging rotates counter-clockwise; a clockwise quarter turn is 270 CCW.
		return imaging.Rotate270(img)
	case Rotate180:
		return imaging.Rotate180(img)
	case Rotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func (p *Preprocessor) writeArtifact(img image.Image) (string, error) {
	f, err := os.CreateTemp(p.opts.ScratchDir, "receipt-ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("creating bitmap artifact: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing bitmap artifact: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing bitmap artifact: %w", err)
	}
	return path, nil
}

// forEachGray visits the red channel of every pixel; inputs are grayscale.
func forEachGray(img *image.NRGBA, fn func(v uint8)) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			fn(row[x])
		}
	}
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
