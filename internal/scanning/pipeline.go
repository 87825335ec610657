package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ocr/internal/extraction"
	"github.com/zombor/receipt-ocr/internal/preprocess"
	"github.com/zombor/receipt-ocr/internal/recognition"
)

// HandleFactory creates the recognition handle on first use.
type HandleFactory func() (*recognition.Handle, error)

// EngineFactory returns a HandleFactory that initializes engine.
func EngineFactory(engine recognition.Engine) HandleFactory {
	return func() (*recognition.Handle, error) {
		return recognition.NewHandle(engine)
	}
}

// Pipeline implements Scanner with on-device recognition.
type Pipeline struct {
	newHandle HandleFactory
	pre       *preprocess.Preprocessor
	cfg       Config
	logger    *slog.Logger
	observer  StateObserver
	clock     extraction.TimeSource
	metrics   *pipelineMetrics

	amounts   *extraction.AmountExtractor
	dates     *extraction.DateExtractor
	merchants *extraction.MerchantExtractor

	mu      sync.Mutex
	handle  *recognition.Handle
	initErr error
	closed  bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTimeSource sets the clock used to validate dates.
func WithTimeSource(clock extraction.TimeSource) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithObserver registers a state observer.
func WithObserver(observer StateObserver) Option {
	return func(p *Pipeline) { p.observer = observer }
}

// NewPipeline creates a Pipeline. The recognition handle is not created until
// the first scan or an explicit Initialize.
func NewPipeline(factory HandleFactory, pre *preprocess.Preprocessor, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		newHandle: factory,
		pre:       pre,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		clock:     extraction.SystemClock(),
		metrics:   newPipelineMetrics(),
		amounts:   extraction.NewAmountExtractor(),
		merchants: extraction.NewMerchantExtractor(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dates = extraction.NewDateExtractor(p.clock)
	p.dates.DayFirst = p.cfg.DayFirst
	return p
}

// Initialize creates the recognition handle now instead of on the first scan.
func (p *Pipeline) Initialize() error {
	_, err := p.acquireHandle()
	return err
}

// ProcessReceipt runs one standard pass. It never retries.
func (p *Pipeline) ProcessReceipt(ctx context.Context, img RawImage) (*OcrResult, error) {
	return p.run(ctx, img, preprocess.ModeStandard, false, p.cfg.StandardTimeout)
}

// ProcessReceiptEnhanced runs the advanced pipeline. With useMultiPass, a
// first pass below the confidence threshold is followed by rotated passes
// until one reaches the threshold or the rotations run out; the best result
// wins.
func (p *Pipeline) ProcessReceiptEnhanced(ctx context.Context, img RawImage, useMultiPass bool) (*OcrResult, error) {
	return p.run(ctx, img, preprocess.ModeAdvanced, useMultiPass, p.cfg.EnhancedTimeout)
}

// Close releases the recognition handle.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

func (p *Pipeline) run(ctx context.Context, img RawImage, mode preprocess.Mode, multiPass bool, budget time.Duration) (*OcrResult, error) {
	start := time.Now()
	p.notify(StateIdle)

	res, err := Guard(ctx, budget, func(ctx context.Context) (*OcrResult, error) {
		return p.passes(ctx, img, mode, multiPass)
	})
	p.notify(StateDone)

	elapsed := time.Since(start)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		p.logger.Error("Receipt scan failed", "mode", mode, "elapsed", elapsed, "error", err)
	case !res.Success:
		outcome = "no_text"
		p.logger.Warn("Receipt scan recognized no text", "mode", mode, "elapsed", elapsed)
	default:
		p.logger.Info("Receipt scanned", "mode", mode, "pass", res.Pass, "rotation", res.Rotation,
			"confidence", res.Confidence.Overall, "elapsed", elapsed)
	}
	p.metrics.scans.WithLabelValues(mode.String(), outcome).Inc()
	p.metrics.duration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	if res != nil {
		p.metrics.confidence.WithLabelValues(mode.String()).Observe(res.Confidence.Overall)
	}
	return res, err
}

// passes decodes once, then runs the pass loop with a best-so-far
// accumulator.
func (p *Pipeline) passes(ctx context.Context, img RawImage, mode preprocess.Mode, multiPass bool) (*OcrResult, error) {
	p.notify(StateInitializing)
	handle, err := p.acquireHandle()
	if errors.Is(err, recognition.ErrClosed) {
		return newFailureResult("scanner is shut down"),
			&Error{Kind: KindClosed, Op: "scan", Err: err}
	}
	if err != nil {
		return newFailureResult("text recognition is unavailable"),
			&Error{Kind: KindInitialization, Op: "initialize", Err: err}
	}

	src, err := preprocess.Decode(img.Data, img.ContentType)
	if err != nil {
		decodeErr := &Error{Kind: KindDecode, Op: "decode", Err: err}
		return newFailureResult("could not read image"),
			&Error{Kind: KindExhausted, Op: "process receipt", Err: decodeErr}
	}

	rotations := []preprocess.Rotation{preprocess.Rotate0}
	if mode == preprocess.ModeAdvanced && multiPass {
		rotations = append(rotations, p.cfg.RetryRotations...)
	}

	var (
		best     *OcrResult
		failures []error
	)
	for i, rot := range rotations {
		n := i + 1
		if i > 0 {
			if best != nil && best.Confidence.Overall >= p.cfg.ConfidenceThreshold {
				break
			}
			p.notify(StateLowConfidence)
			p.logger.Debug("Retrying with rotation", "pass", n, "rotation", int(rot))
			p.notify(StateRetryPass)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := p.pass(ctx, handle, src, mode, rot, n)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.metrics.passes.WithLabelValues(mode.String(), "failed").Inc()
			p.logger.Warn("OCR pass failed", "pass", n, "rotation", int(rot), "error", err)
			failures = append(failures, &Error{Kind: KindTransientPass, Op: fmt.Sprintf("pass %d", n), Err: err})
			continue
		}
		p.metrics.passes.WithLabelValues(mode.String(), "completed").Inc()

		if better(res, best) {
			best = res
		}
	}

	if best == nil {
		return newFailureResult("all OCR passes failed"),
			&Error{Kind: KindExhausted, Op: "process receipt", Err: errors.Join(failures...)}
	}
	return best, nil
}

// better reports whether res should replace best. At equal confidence a pass
// that recognized text beats a blank one.
func better(res, best *OcrResult) bool {
	switch {
	case best == nil:
		return true
	case res.Confidence.Overall != best.Confidence.Overall:
		return res.Confidence.Overall > best.Confidence.Overall
	}
	return res.Success && !best.Success
}

// pass preprocesses, recognizes and extracts once. The bitmap artifact is
// always removed before returning.
func (p *Pipeline) pass(ctx context.Context, handle *recognition.Handle, src image.Image, mode preprocess.Mode, rot preprocess.Rotation, n int) (*OcrResult, error) {
	p.notify(StatePreprocessing)
	bm, err := p.pre.Preprocess(ctx, src, mode, rot)
	if err != nil {
		return nil, fmt.Errorf("preprocessing: %w", err)
	}
	defer func() {
		if err := bm.Release(); err != nil {
			p.logger.Warn("Failed to remove preprocessed image", "path", bm.Path, "error", err)
		}
	}()

	if bm.Degraded != nil {
		p.metrics.degraded.Inc()
		p.logger.Warn("Advanced preprocessing degraded", "pass", n, "rotation", int(rot),
			"error", &Error{Kind: KindPreprocessingDegraded, Op: "preprocess", Err: bm.Degraded})
	}

	p.notify(StateRecognizing)
	text, err := handle.Recognize(ctx, bm.Path)
	if err != nil {
		return nil, fmt.Errorf("recognition: %w", err)
	}

	p.notify(StateExtracting)
	info := passInfo{pass: n, rotation: int(bm.Rotation), degraded: bm.Degraded != nil}
	return p.extract(text, mode, info), nil
}

func (p *Pipeline) extract(text string, mode preprocess.Mode, info passInfo) *OcrResult {
	if extraction.IsBlank(text) {
		return newBlankResult(info)
	}

	var (
		amount   extraction.Candidate[decimal.Decimal]
		date     extraction.Candidate[extraction.Date]
		merchant extraction.Candidate[string]
	)
	if mode == preprocess.ModeAdvanced {
		amount = p.amounts.ExtractEnhanced(text)
		date = p.dates.ExtractEnhanced(text, p.cfg.ValidationYears)
		merchant = p.merchants.ExtractEnhanced(text)
	} else {
		amount = p.amounts.Extract(text)
		date = p.dates.Extract(text)
		merchant = p.merchants.Extract(text)
	}
	return newPassResult(text, amount, date, merchant, info)
}

// acquireHandle creates the handle once. A failure is remembered: the engine
// is not retried behind the caller's back.
func (p *Pipeline) acquireHandle() (*recognition.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, recognition.ErrClosed
	case p.initErr != nil:
		return nil, p.initErr
	case p.handle != nil:
		return p.handle, nil
	}

	start := time.Now()
	h, err := p.newHandle()
	if err != nil {
		p.initErr = err
		p.logger.Error("Recognition engine failed to initialize", "error", err)
		return nil, err
	}
	p.logger.Info("Recognition engine ready", "engine", h.Name(), "elapsed", time.Since(start))
	p.handle = h
	return h, nil
}

func (p *Pipeline) notify(s State) {
	if p.observer != nil {
		p.observer(s)
	}
}
