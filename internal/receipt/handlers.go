package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/receipt-record/internal/extract"
)

// multipartMemory is how much of an upload is held in memory before spilling to disk
const multipartMemory = 32 << 20

// formOverhead allows for multipart boundaries and headers around the file
const formOverhead = 1 << 20

const maxTextBody = 1 << 20

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{
		"error": message,
	})
}

// handleHealth reports that the server is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleExtractReceipt scans an uploaded receipt image and returns the guessed fields
func (s *Server) handleExtractReceipt(w http.ResponseWriter, r *http.Request) {
	maxSize := s.service.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+formOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(maxSize))
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		f, header, err = r.FormFile("file")
	}
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer f.Close()

	if header.Size > maxSize {
		writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(maxSize))
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	scan, err := s.service.Scan(r.Context(), header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyFile):
			writeError(w, http.StatusBadRequest, "The uploaded file is empty")
		case errors.Is(err, ErrFileTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(maxSize))
		case errors.Is(err, ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, "Invalid file type. Only JPEG, PNG, GIF, WebP, HEIC, HEIF and PDF are allowed.")
		case errors.Is(err, ErrRecognition):
			writeError(w, http.StatusBadGateway, "Failed to extract text from image")
		default:
			slog.Error("Error scanning receipt", "filename", header.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, scan)
}

// parseRequest is the body of a text-only extraction request
type parseRequest struct {
	RawText string `json:"raw_text"`
}

// parseResponse mirrors the result part of a Scan
type parseResponse struct {
	Result  extract.Result `json:"result"`
	Missing []string       `json:"missing"`
}

// handleParseText re-runs extraction on text a client already has
func (s *Server) handleParseText(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result := s.service.Parse(req.RawText)
	writeJSON(w, http.StatusOK, parseResponse{
		Result:  result,
		Missing: result.Missing(),
	})
}

func tooLargeMessage(maxSize int64) string {
	return fmt.Sprintf("File is too large. Maximum size is %dMB.", maxSize>>20)
}
