// Package recognition is the single integration point with the text
// recognition engine. Callers hand it a bitmap on disk and get UTF-8 text
// back; nothing outside this package knows which engine produced it.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInitialization marks a fatal engine or language asset load failure.
	ErrInitialization = errors.New("recognition engine initialization failed")
	// ErrNotInitialized is returned when Recognize runs before Initialize.
	ErrNotInitialized = errors.New("recognition engine not initialized")
	// ErrClosed is returned by a Handle after Close.
	ErrClosed = errors.New("recognition handle closed")
)

// Engine wraps an OCR implementation.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Initialize loads models; it must be idempotent.
	Initialize() error
	// Recognize returns the text found in the image at imagePath. It blocks
	// for the duration of recognition and is not safe for concurrent use.
	Recognize(imagePath string) (string, error)
	// Release frees engine resources; safe to call more than once.
	Release() error
}

// Handle owns one initialized Engine and admits a single Recognize call at a
// time. Waiting callers give up when their context ends.
type Handle struct {
	engine Engine
	slot   chan struct{}

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewHandle initializes engine and wraps it. Initialization failures wrap
// ErrInitialization and are never retried here.
func NewHandle(engine Engine) (*Handle, error) {
	if err := engine.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing %s: %w: %w", engine.Name(), ErrInitialization, err)
	}
	return &Handle{
		engine: engine,
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

// Name returns the wrapped engine's name.
func (h *Handle) Name() string {
	return h.engine.Name()
}

// Recognize runs the engine on imagePath once the slot is free.
func (h *Handle) Recognize(ctx context.Context, imagePath string) (string, error) {
	select {
	case <-h.closed:
		return "", ErrClosed
	default:
	}

	select {
	case h.slot <- struct{}{}:
	case <-h.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-h.slot }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-h.closed:
		return "", ErrClosed
	default:
	}

	text, err := h.engine.Recognize(imagePath)
	if err != nil {
		return "", fmt.Errorf("%s recognize: %w", h.engine.Name(), err)
	}
	return text, nil
}

// Close waits for any in-flight recognition and releases the engine.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.slot <- struct{}{}
		h.closeErr = h.engine.Release()
		<-h.slot
	})
	return h.closeErr
}
