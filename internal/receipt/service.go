package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-record/internal/extract"
	"github.com/zombor/receipt-record/internal/scanning"
)

// DefaultMaxFileSize is the largest upload accepted when none is configured
const DefaultMaxFileSize int64 = 10 << 20

var (
	// ErrEmptyFile is returned when an upload has no data
	ErrEmptyFile = errors.New("file is empty")
	// ErrFileTooLarge is returned when an upload exceeds the configured size
	ErrFileTooLarge = errors.New("file is too large")
	// ErrUnsupportedType is returned for content types the scanners cannot read
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrRecognition wraps any failure of the OCR provider
	ErrRecognition = errors.New("text recognition failed")
)

// IDGenerator generates unique IDs for scans
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	MaxFileSize int64         // bytes; DefaultMaxFileSize when zero
	Timeout     time.Duration // per OCR call; none when zero
}

// Service reads receipts: it sends the image to an OCR provider and guesses
// the receipt fields from the returned text
type Service struct {
	recognizer  scanning.Recognizer
	idGenerator IDGenerator
	timeSource  TimeSource
	maxFileSize int64
	timeout     time.Duration
}

// NewService creates a new Service with default ID generator and time source
func NewService(recognizer scanning.Recognizer, opts Options) *Service {
	return NewServiceWithDeps(recognizer, opts, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(recognizer scanning.Recognizer, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Service{
		recognizer:  recognizer,
		idGenerator: idGen,
		timeSource:  timeSrc,
		maxFileSize: opts.MaxFileSize,
		timeout:     opts.Timeout,
	}
}

// MaxFileSize returns the largest accepted upload in bytes
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// Scan recognizes the text of an uploaded receipt and extracts its fields.
// The OCR provider is called exactly once; its failure is returned wrapped in
// ErrRecognition.
func (s *Service) Scan(ctx context.Context, filename string, data []byte, contentType string) (*Scan, error) {
	contentType = ContentTypeFor(filename, contentType)

	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, maximum is %d", ErrFileTooLarge, len(data), s.maxFileSize)
	}
	if !SupportedContentType(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rawText, err := s.recognizer.RecognizeText(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to recognize receipt text",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrRecognition, err)
	}

	result := extract.Extract(rawText)
	scan := &Scan{
		ID:          s.idGenerator.Generate(),
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Result:      result,
		Missing:     result.Missing(),
		ScannedAt:   s.timeSource.Now(),
	}

	slog.Info("Scanned receipt",
		"id", scan.ID,
		"filename", scan.Filename,
		"text_length", len(rawText),
		"missing", scan.Missing,
	)
	return scan, nil
}

// Parse extracts receipt fields from text that has already been recognized,
// for example after a reviewer corrected the OCR output
func (s *Service) Parse(rawText string) extract.Result {
	return extract.Extract(rawText)
}

// ScanFiles scans local files with at most limit scans in flight. Each file
// is independent: a failure is recorded on its FileScan and never stops the
// others. Results are in the same order as paths.
func (s *Service) ScanFiles(ctx context.Context, paths []string, limit int) []FileScan {
	results := make([]FileScan, len(paths))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, path := range paths {
		g.Go(func() error {
			results[i] = s.scanFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Service) scanFile(ctx context.Context, path string) FileScan {
	result := FileScan{Path: path}

	data, err := os.ReadFile(path)
	if err == nil {
		result.Scan, err = s.Scan(ctx, path, data, "")
	} else {
		err = fmt.Errorf("reading file: %w", err)
	}

	if err != nil {
		result.Err = err
		result.Error = err.Error()
	}
	return result
}
