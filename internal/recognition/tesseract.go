package recognition

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig describes where the language model comes from and how the
// engine is tuned.
type TesseractConfig struct {
	// AssetDir holds the bundled, read-only <lang>.traineddata files.
	AssetDir string
	// DataDir is writable; models are installed into DataDir/tessdata. When
	// both dirs are empty the system tessdata location is used.
	DataDir string
	// Language lists Tesseract languages such as "eng" or "eng+spa".
	Language string
	// PageSegMode is a gosseract.PageSegMode value.
	PageSegMode int
	// Whitelist optionally restricts recognized characters.
	Whitelist string
}

// DefaultTesseractConfig returns English with automatic page segmentation.
func DefaultTesseractConfig() TesseractConfig {
	return TesseractConfig{
		Language:    "eng",
		PageSegMode: int(gosseract.PSM_AUTO),
	}
}

// Tesseract implements Engine on top of gosseract. The client is created
// once in Initialize and reused for every recognition.
type Tesseract struct {
	cfg       TesseractConfig
	newClient func() *gosseract.Client

	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseract creates an uninitialized Tesseract engine.
func NewTesseract(cfg TesseractConfig) *Tesseract {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &Tesseract{cfg: cfg, newClient: gosseract.NewClient}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Initialize installs the language model if needed, configures the client and
// warms it up on a blank page so load failures surface here rather than on
// the first receipt.
func (t *Tesseract) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}

	prefix, err := InstallLanguage(t.cfg.AssetDir, t.cfg.DataDir, t.cfg.Language)
	if err != nil {
		return err
	}

	client := t.newClient()
	if err := t.configure(client, prefix); err != nil {
		client.Close()
		return err
	}

	blank, err := blankPage()
	if err != nil {
		client.Close()
		return err
	}
	if err := client.SetImageFromBytes(blank); err != nil {
		client.Close()
		return fmt.Errorf("warm-up image: %w", err)
	}
	if _, err := client.Text(); err != nil {
		client.Close()
		return fmt.Errorf("loading language %q: %w", t.cfg.Language, err)
	}

	slog.Info("Tesseract initialized", "version", gosseract.Version(), "language", t.cfg.Language, "tessdata", prefix)
	t.client = client
	return nil
}

func (t *Tesseract) configure(client *gosseract.Client, prefix string) error {
	if prefix != "" {
		if err := client.SetTessdataPrefix(prefix); err != nil {
			return fmt.Errorf("setting tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(strings.Split(t.cfg.Language, "+")...); err != nil {
		return fmt.Errorf("setting language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(t.cfg.PageSegMode)); err != nil {
		return fmt.Errorf("setting page segmentation mode: %w", err)
	}
	if err := client.SetVariable("preserve_interword_spaces", "1"); err != nil {
		return fmt.Errorf("setting preserve_interword_spaces: %w", err)
	}
	if t.cfg.Whitelist != "" {
		if err := client.SetWhitelist(t.cfg.Whitelist); err != nil {
			return fmt.Errorf("setting whitelist: %w", err)
		}
	}
	return nil
}

// Recognize runs OCR on the image file.
func (t *Tesseract) Recognize(imagePath string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return "", ErrNotInitialized
	}
	if err := t.client.SetImage(imagePath); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}

// Release closes the client.
func (t *Tesseract) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// InstallLanguage copies <lang>.traineddata for every language in langs from
// assetDir into dataDir/tessdata unless it is already there, and returns the
// tessdata directory to hand to Tesseract. With no dirs configured it returns
// "" and the engine falls back to its compiled-in search path.
func InstallLanguage(assetDir, dataDir, langs string) (string, error) {
	if assetDir == "" && dataDir == "" {
		return "", nil
	}
	if dataDir == "" {
		return assetDir, checkModels(assetDir, langs)
	}

	tessdata := filepath.Join(dataDir, "tessdata")
	if err := os.MkdirAll(tessdata, 0755); err != nil {
		return "", fmt.Errorf("creating tessdata directory: %w", err)
	}

	for _, lang := range strings.Split(langs, "+") {
		name := lang + ".traineddata"
		target := filepath.Join(tessdata, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if assetDir == "" {
			return "", fmt.Errorf("language model %s missing from %s and no asset directory configured", name, tessdata)
		}
		if err := copyFile(filepath.Join(assetDir, name), target); err != nil {
			return "", fmt.Errorf("installing language model %s: %w", name, err)
		}
		slog.Info("Installed language model", "language", lang, "path", target)
	}
	return tessdata, nil
}

func checkModels(dir, langs string) error {
	for _, lang := range strings.Split(langs, "+") {
		path := filepath.Join(dir, lang+".traineddata")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("language model %s: %w", path, err)
		}
	}
	return nil
}

// copyFile writes through a temp file and renames so a crash never leaves a
// truncated model behind.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".install-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Join(err, os.Remove(dst))
	}
	return nil
}

func blankPage() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = color.White.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding warm-up image: %w", err)
	}
	return buf.Bytes(), nil
}
