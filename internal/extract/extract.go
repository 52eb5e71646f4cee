// Package extract turns raw OCR text from a receipt into a best-effort guess
// of its date, vendor and total.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Result contains the fields guessed from a receipt's OCR text.
// An empty Date or Description and a nil Amount mean nothing was found.
type Result struct {
	Date        string `json:"date,omitempty"` // YYYY-MM-DD when recognised
	Description string `json:"description,omitempty"`
	Amount      *int64 `json:"amount,omitempty"`
	RawText     string `json:"raw_text"`
}

// Missing returns the JSON names of the fields that could not be extracted
func (r Result) Missing() []string {
	missing := make([]string, 0, 3)
	if r.Date == "" {
		missing = append(missing, "date")
	}
	if r.Description == "" {
		missing = append(missing, "description")
	}
	if r.Amount == nil {
		missing = append(missing, "amount")
	}
	return missing
}

// Patterns are tried in order; the first one that matches anywhere wins.
// Whitespace classes include Unicode spaces such as U+00A0 and U+3000, which
// OCR engines emit between Korean words.
var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}[-./]\d{1,2}[-./]\d{1,2}`),
		regexp.MustCompile(`\d{1,2}[-./]\d{1,2}[-./]\d{4}`),
		regexp.MustCompile(`\d{4}년[\s\p{Zs}]*\d{1,2}월[\s\p{Zs}]*\d{1,2}일`),
	}

	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`합[\s\p{Zs}]*계[:\s\p{Zs}]*([0-9,]+)[\s\p{Zs}]*원?`),
		regexp.MustCompile(`총[\s\p{Zs}]*액[:\s\p{Zs}]*([0-9,]+)[\s\p{Zs}]*원?`),
		regexp.MustCompile(`결[\s\p{Zs}]*제[:\s\p{Zs}]*([0-9,]+)[\s\p{Zs}]*원?`),
		regexp.MustCompile(`(?i)TOTAL[:\s\p{Zs}]*([0-9,]+)`),
		regexp.MustCompile(`([0-9,]+)[\s\p{Zs}]*원`),
	}

	dateLikeLine  = regexp.MustCompile(`\d{4}[-./]\d`)
	totalKeyword  = regexp.MustCompile(`(?i)합계|총액|결제|TOTAL`)
	digitsOnly    = regexp.MustCompile(`^\d+$`)
	yearMarker    = regexp.MustCompile(`년[\s\p{Zs}]*`)
	monthMarker   = regexp.MustCompile(`월[\s\p{Zs}]*`)
	dateSeparator = strings.NewReplacer("일", "", "/", "-", ".", "-")
)

const (
	descriptionLines     = 3
	descriptionMaxLength = 50
)

// Extract guesses the date, description and amount of a receipt from its OCR
// text. It never fails: anything it cannot find is left empty.
func Extract(rawText string) Result {
	return Result{
		Date:        extractDate(rawText),
		Description: extractDescription(rawText),
		Amount:      extractAmount(rawText),
		RawText:     rawText,
	}
}

func extractDate(text string) string {
	for _, pattern := range datePatterns {
		if match := pattern.FindString(text); match != "" {
			return NormalizeDate(match)
		}
	}
	return ""
}

func extractAmount(text string) *int64 {
	for _, pattern := range amountPatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		amount, err := strconv.ParseInt(strings.ReplaceAll(match[1], ",", ""), 10, 64)
		if err != nil {
			return nil
		}
		return &amount
	}
	return nil
}

// extractDescription picks the vendor line from the top of the receipt
func extractDescription(text string) string {
	seen := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if seen == descriptionLines {
			break
		}
		seen++

		if dateLikeLine.MatchString(line) || totalKeyword.MatchString(line) || digitsOnly.MatchString(line) {
			continue
		}
		if n := utf8.RuneCountInString(line); n > 1 && n < descriptionMaxLength {
			return line
		}
	}
	return ""
}

// NormalizeDate rewrites a matched date as YYYY-MM-DD. Day-first dates are
// reordered when the day has two digits. Month and day ranges are not checked.
func NormalizeDate(date string) string {
	normalized := yearMarker.ReplaceAllString(date, "-")
	normalized = monthMarker.ReplaceAllString(normalized, "-")
	normalized = strings.TrimSpace(dateSeparator.Replace(normalized))

	parts := strings.Split(normalized, "-")
	if len(parts) != 3 {
		return normalized
	}

	switch {
	case len(parts[0]) == 2 && len(parts[2]) == 4:
		return parts[2] + "-" + padTwo(parts[1]) + "-" + padTwo(parts[0])
	case len(parts[0]) == 4:
		return parts[0] + "-" + padTwo(parts[1]) + "-" + padTwo(parts[2])
	}
	return normalized
}

func padTwo(s string) string {
	if len(s) < 2 {
		return strings.Repeat("0", 2-len(s)) + s
	}
	return s
}
