// Package document validates submitted documents and derives the reading
// statistics returned alongside a summary.
package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	// MaxLength is roughly 100K tokens at 4 characters per token.
	MaxLength = 400000
	MinLength = 50

	// WordsPerMinute is the fixed reading speed used for reading time.
	WordsPerMinute = 200
)

var (
	ErrTooShort = fmt.Errorf("document too short, minimum length is %d characters", MinLength)
	ErrTooLong  = fmt.Errorf("document too long, maximum length is %d characters (~100K tokens)", MaxLength)
	ErrFormat   = errors.New("unsupported document format")
)

// Stats are derived from the submitted text at job creation.
type Stats struct {
	Characters     int `json:"character_count"`
	Words          int `json:"word_count"`
	ReadingMinutes int `json:"reading_time_minutes"`
}

// Normalize converts the payload to plain text according to format ("",
// "text" or "html") and enforces the length bounds on the result.
func Normalize(payload, format string) (string, error) {
	text := payload
	switch strings.ToLower(format) {
	case "", "text", "plain":
	case "html":
		var err error
		text, err = ExtractText(payload)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrFormat, format)
	}

	n := utf8.RuneCountInString(text)
	if n < MinLength {
		return "", ErrTooShort
	}
	if n > MaxLength {
		return "", ErrTooLong
	}
	return text, nil
}

// ExtractText returns the visible text of an HTML document, one block per
// line. Script and style contents are dropped.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, head").Remove()

	var lines []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			lines = append(lines, t)
		}
	})
	if len(lines) == 0 {
		if t := strings.Join(strings.Fields(doc.Text()), " "); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Analyze computes character and word counts and the reading time at
// WordsPerMinute, rounded up with a floor of one minute.
func Analyze(text string) Stats {
	words := len(strings.Fields(text))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return Stats{
		Characters:     utf8.RuneCountInString(text),
		Words:          words,
		ReadingMinutes: minutes,
	}
}

// ReadingTime renders the minutes the way clients display them.
func (s Stats) ReadingTime() string {
	if s.ReadingMinutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", s.ReadingMinutes)
}
