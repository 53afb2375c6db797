// Package extract turns email attachments into plain text for summarization.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mixelka/mailrelay/internal/parser"
)

// Default limits
const (
	DefaultMaxRows  = 500
	DefaultMaxChars = 10000
)

// Error kinds
var (
	ErrUnsupported = errors.New("unsupported attachment type")
	ErrCorrupt     = errors.New("corrupt attachment")
	ErrTooLarge    = errors.New("attachment exceeds size limit")
)

// Error describes a failed extraction
type Error struct {
	Filename string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %v: %v", e.Filename, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Filename, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Attachment is the extraction input
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Extractor extracts text from one attachment
type Extractor interface {
	Extract(ctx context.Context, att Attachment) (string, error)
}

// Limits bounds the extracted text
type Limits struct {
	MaxRows  int
	MaxChars int
}

type handler func(ctx context.Context, att Attachment) (string, error)

// Registry dispatches attachments to a handler by extension or MIME type
type Registry struct {
	limits     Limits
	html       *parser.HTMLParser
	extensions map[string]handler
	mimeTypes  map[string]handler
}

// New creates a registry with the built-in handlers
func New(limits Limits) *Registry {
	if limits.MaxRows <= 0 {
		limits.MaxRows = DefaultMaxRows
	}
	if limits.MaxChars <= 0 {
		limits.MaxChars = DefaultMaxChars
	}
	r := &Registry{
		limits: limits,
		html:   parser.NewHTMLParser(),
	}
	r.extensions = map[string]handler{
		".txt":  r.text,
		".md":   r.text,
		".log":  r.text,
		".csv":  r.csv,
		".htm":  r.htmlText,
		".html": r.htmlText,
		".xlsx": r.xlsx,
		".docx": r.docx,
		".pdf":  r.pdfText,
	}
	r.mimeTypes = map[string]handler{
		"text/csv":        r.csv,
		"text/html":       r.htmlText,
		"application/pdf": r.pdfText,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       r.xlsx,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": r.docx,
	}
	return r
}

// Extract returns the text of an attachment, truncated to the character limit
func (r *Registry) Extract(ctx context.Context, att Attachment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := r.lookup(att)
	if h == nil {
		return "", &Error{Filename: att.Filename, Kind: ErrUnsupported, Err: fmt.Errorf("content type %q", att.ContentType)}
	}

	text, err := h(ctx, att)
	if err != nil {
		var extractErr *Error
		if errors.As(err, &extractErr) {
			return "", err
		}
		return "", &Error{Filename: att.Filename, Kind: ErrCorrupt, Err: err}
	}
	return Truncate(strings.TrimSpace(text), r.limits.MaxChars), nil
}

func (r *Registry) lookup(att Attachment) handler {
	ext := strings.ToLower(filepath.Ext(att.Filename))
	if h, ok := r.extensions[ext]; ok {
		return h
	}
	ct := strings.ToLower(att.ContentType)
	if h, ok := r.mimeTypes[ct]; ok {
		return h
	}
	if strings.HasPrefix(ct, "text/") {
		return r.text
	}
	return nil
}

// Truncate cuts s to max runes, marking the cut
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "\n[... truncated ...]"
}

func (r *Registry) text(_ context.Context, att Attachment) (string, error) {
	return decodeText(att.Data), nil
}

func (r *Registry) htmlText(_ context.Context, att Attachment) (string, error) {
	return r.html.Parse(decodeText(att.Data))
}
