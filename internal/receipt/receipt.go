package receipt

import (
	"time"

	"github.com/zombor/receipt-record/internal/extract"
)

// Scan is the outcome of reading one uploaded receipt. It is handed back to
// the caller for review and is never stored.
type Scan struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	Result      extract.Result `json:"result"`
	Missing     []string       `json:"missing"` // fields the reviewer has to fill in
	ScannedAt   time.Time      `json:"scanned_at"`
}

// FileScan is the outcome of scanning one local file in a batch
type FileScan struct {
	Path  string `json:"path"`
	Scan  *Scan  `json:"scan,omitempty"`
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}
