package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zombor/receipt-ocr/internal/scanning"
)

type scanRequest struct {
	enhanced  bool
	multiPass bool
	format    string
}

// scanOnce runs one scan of path and writes the result to w. A result is
// written even when the scan fails so the error message is visible.
func scanOnce(ctx context.Context, scanner scanning.Scanner, path string, req scanRequest, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	img := scanning.NewRawImage(data, contentTypeFor(path, data))
	var res *scanning.OcrResult
	if req.enhanced {
		res, err = scanner.ProcessReceiptEnhanced(ctx, img, req.multiPass)
	} else {
		res, err = scanner.ProcessReceipt(ctx, img)
	}
	if res != nil {
		if werr := writeResult(w, req.format, res); werr != nil {
			return werr
		}
	}
	return err
}

func contentTypeFor(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func writeResult(w io.Writer, format string, res *scanning.OcrResult) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encoding json: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}
