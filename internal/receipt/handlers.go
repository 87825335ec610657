package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ocr/internal/scanning"
)

// maxUploadSize allows high-resolution phone photos.
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

type errorResponse struct {
	Error string              `json:"error"`
	OCR   *scanning.OcrResult `json:"ocr,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// parseScanOptions reads the mode and multipass form fields.
func parseScanOptions(r *http.Request) (ScanOptions, error) {
	var opts ScanOptions
	switch mode := strings.ToLower(strings.TrimSpace(r.FormValue("mode"))); mode {
	case "", "standard":
	case "enhanced":
		opts.Enhanced = true
	default:
		return opts, errors.New("mode must be standard or enhanced")
	}

	if raw := strings.TrimSpace(r.FormValue("multipass")); raw != "" {
		mp, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New("multipass must be true or false")
		}
		opts.MultiPass = mp
	}
	return opts, nil
}

// detectContentType falls back to the file extension when the part has no
// Content-Type header.
func detectContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// scanStatus maps a scan error to an HTTP status.
func scanStatus(err error) int {
	switch {
	case scanning.IsKind(err, scanning.KindTimeout):
		return http.StatusGatewayTimeout
	case scanning.IsKind(err, scanning.KindInitialization), scanning.IsKind(err, scanning.KindClosed):
		return http.StatusServiceUnavailable
	case scanning.IsKind(err, scanning.KindDecode), scanning.IsKind(err, scanning.KindExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// handleScanReceipt runs OCR on an uploaded image and stores the prefilled receipt
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	opts, err := parseScanOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		msg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			msg = "No file was selected. Please choose a file to upload."
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Error reading file. Please try again."})
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)

	result, err := s.service.ScanReceipt(r.Context(), header.Filename, data, contentType, opts)
	if err != nil {
		resp := errorResponse{Error: "Could not scan receipt"}
		if result != nil && result.OCR != nil {
			resp.Error = result.OCR.Error
			resp.OCR = result.OCR
		}
		writeJSON(w, scanStatus(err), resp)
		return
	}
	if result.Receipt == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: result.OCR.Error, OCR: result.OCR})
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleSaveReceipt creates a manual receipt or confirms a scanned one
func (s *Server) handleSaveReceipt(w http.ResponseWriter, r *http.Request) {
	var input ReceiptInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	receipt, err := s.service.SaveReceipt(input)
	switch {
	case errors.Is(err, ErrInvalidReceipt):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Receipt not found"})
		return
	case err != nil:
		slog.Error("Error saving receipt", "id", input.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	code := http.StatusOK
	if input.ID == "" {
		code = http.StatusCreated
	}
	writeJSON(w, code, receipt)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	receipt, err := s.service.GetReceipt(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("Error getting receipt", "id", id, "error", err)
		}
		corsError(w, "Receipt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, contentType, err := s.service.GetReceiptFile(id)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.DeleteReceipt(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Receipt not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting receipt", "id", id, "error", err)
		corsError(w, "Error deleting receipt", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
