package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/receipt-record/internal/extract"
	"github.com/zombor/receipt-record/internal/receipt"
	"github.com/zombor/receipt-record/internal/scanning"
)

// rootCommand holds the command tree and the flags shared by every subcommand
type rootCommand struct {
	command *ff.Command
	stdin   io.Reader
	stdout  io.Writer

	logLevel       *string
	logFormat      *string
	ocr            *string
	visionKey      *string
	visionEndpoint *string
	geminiKey      *string
	geminiModel    *string
	geminiEndpoint *string
	ollamaURL      *string
	ollamaModel    *string
	cachePath      *string
	maxUploadMB    *int
	ocrTimeout     *time.Duration

	port          *int
	authUser      *string
	authPass      *string
	allowedOrigin *string
	concurrency   *int
}

func newRootCommand(stdin io.Reader, stdout io.Writer) *rootCommand {
	r := &rootCommand{stdin: stdin, stdout: stdout}

	rootFlags := ff.NewFlagSet("receipt-record")
	_ = rootFlags.StringLong("config", "", "Config file with one 'flag value' pair per line (optional)")
	r.logLevel = rootFlags.StringLong("log-level", "info", "Log level: debug, info, warn or error")
	r.logFormat = rootFlags.StringLong("log-format", "text", "Log format: text or json")
	r.ocr = rootFlags.StringLong("ocr", "vision", "OCR provider: 'vision', 'gemini' or 'ollama'")
	r.visionKey = rootFlags.StringLong("vision-key", "", "Google Cloud Vision API key (or set GOOGLE_VISION_API_KEY env var)")
	r.visionEndpoint = rootFlags.StringLong("vision-endpoint", "", "Google Cloud Vision API base URL override")
	r.geminiKey = rootFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	r.geminiModel = rootFlags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	r.geminiEndpoint = rootFlags.StringLong("gemini-endpoint", "", "Google Gemini API base URL override")
	r.ollamaURL = rootFlags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
	r.ollamaModel = rootFlags.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2.5vl)")
	r.cachePath = rootFlags.StringLong("cache", "", "OCR text cache file path (optional)")
	r.maxUploadMB = rootFlags.IntLong("max-upload-mb", 10, "Largest accepted receipt file in MB")
	r.ocrTimeout = rootFlags.DurationLong("ocr-timeout", 60*time.Second, "Timeout for a single OCR call (0 for none)")

	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	r.port = serveFlags.IntLong("port", 3001, "HTTP server port")
	r.authUser = serveFlags.StringLong("auth-user", "", "Basic auth username (optional)")
	r.authPass = serveFlags.StringLong("auth-pass", "", "Basic auth password (optional)")
	r.allowedOrigin = serveFlags.StringLong("allowed-origin", "*", "CORS allowed origin")

	scanFlags := ff.NewFlagSet("scan").SetParent(rootFlags)
	r.concurrency = scanFlags.IntLong("concurrency", 4, "Files scanned at the same time")

	parseFlags := ff.NewFlagSet("parse").SetParent(rootFlags)

	r.command = &ff.Command{
		Name:      "receipt-record",
		Usage:     "receipt-record [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "read the date, description and amount off receipt images",
		Flags:     rootFlags,
		Subcommands: []*ff.Command{
			{
				Name:      "serve",
				Usage:     "receipt-record serve [FLAGS]",
				ShortHelp: "run the receipt extraction HTTP API",
				Flags:     serveFlags,
				Exec:      r.serve,
			},
			{
				Name:      "scan",
				Usage:     "receipt-record scan [FLAGS] FILE...",
				ShortHelp: "OCR local receipt files and print the extracted fields as JSON",
				Flags:     scanFlags,
				Exec:      r.scan,
			},
			{
				Name:      "parse",
				Usage:     "receipt-record parse [FLAGS] [FILE...]",
				ShortHelp: "extract fields from already recognized text files or stdin",
				Flags:     parseFlags,
				Exec:      r.parse,
			},
		},
	}

	return r
}

// serviceOptions converts the shared flags into receipt service options
func (r *rootCommand) serviceOptions() receipt.Options {
	return receipt.Options{
		MaxFileSize: int64(*r.maxUploadMB) << 20,
		Timeout:     *r.ocrTimeout,
	}
}

// newRecognizer builds the configured OCR provider, wrapped by the cache when one is set
func (r *rootCommand) newRecognizer(ctx context.Context) (scanning.Recognizer, error) {
	var (
		recognizer scanning.Recognizer
		err        error
	)

	switch *r.ocr {
	case "vision":
		apiKey := *r.visionKey
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_VISION_API_KEY")
		}
		slog.Info("Initializing Vision recognizer...")
		recognizer, err = scanning.NewVision(ctx, apiKey, *r.visionEndpoint)
	case "gemini":
		apiKey := *r.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini recognizer...", "model", *r.geminiModel)
		recognizer, err = scanning.NewGemini(ctx, apiKey, *r.geminiModel, *r.geminiEndpoint)
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *r.ollamaURL, "model", *r.ollamaModel)
		recognizer, err = scanning.NewOllama(*r.ollamaURL, *r.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid OCR provider %q: want vision, gemini or ollama", *r.ocr)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", *r.ocr, err)
	}

	if *r.cachePath == "" {
		return recognizer, nil
	}

	cache, err := scanning.NewBoltCache(*r.cachePath)
	if err != nil {
		recognizer.Close()
		return nil, fmt.Errorf("opening OCR cache: %w", err)
	}
	slog.Info("OCR cache enabled", "path", *r.cachePath)
	return scanning.NewCached(recognizer, cache, *r.ocr), nil
}

func (r *rootCommand) serve(ctx context.Context, args []string) error {
	recognizer, err := r.newRecognizer(ctx)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	service := receipt.NewService(recognizer, r.serviceOptions())
	server := receipt.NewServer(service, receipt.ServerConfig{
		BasicAuth: receipt.BasicAuth{
			Username: *r.authUser,
			Password: *r.authPass,
		},
		AllowedOrigin: *r.allowedOrigin,
	})

	if *r.authUser != "" || *r.authPass != "" {
		slog.Info("Basic auth enabled", "user", *r.authUser)
	}

	return server.Start(ctx, fmt.Sprintf(":%d", *r.port))
}

func (r *rootCommand) scan(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("scan: at least one FILE is required")
	}

	recognizer, err := r.newRecognizer(ctx)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	service := receipt.NewService(recognizer, r.serviceOptions())
	results := service.ScanFiles(ctx, args, *r.concurrency)

	if err := r.writeJSON(results); err != nil {
		return err
	}

	var failed int
	for _, result := range results {
		if result.Err != nil {
			slog.Error("Failed to scan file", "path", result.Path, "error", result.Err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("scan: %d of %d files failed", failed, len(results))
	}
	return nil
}

// parsedText is the output of the parse command for one input
type parsedText struct {
	Source  string         `json:"source"`
	Result  extract.Result `json:"result"`
	Missing []string       `json:"missing"`
}

func (r *rootCommand) parse(ctx context.Context, args []string) error {
	var outputs []parsedText

	if len(args) == 0 {
		text, err := io.ReadAll(r.stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		outputs = append(outputs, newParsedText("-", string(text)))
	}

	for _, path := range args {
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		outputs = append(outputs, newParsedText(path, string(text)))
	}

	return r.writeJSON(outputs)
}

func newParsedText(source string, text string) parsedText {
	result := extract.Extract(text)
	return parsedText{
		Source:  source,
		Result:  result,
		Missing: result.Missing(),
	}
}

func (r *rootCommand) writeJSON(v any) error {
	enc := json.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
