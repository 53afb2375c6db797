package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

const (
	defaultBodyLimit       = 1 << 20
	defaultAttachmentLimit = 10 << 20
)

// ErrMalformed is returned when a message cannot be parsed at the header level
var ErrMalformed = errors.New("malformed message")

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Attachment is one attachment part of a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
	Oversize    bool // Data is nil when the part exceeded the limit
}

// Message is a parsed message
type Message struct {
	Headers     Headers
	Text        string // Plain text body, converted from HTML when needed
	HTML        string
	Attachments []Attachment
}

// Options bounds how much of a message is read
type Options struct {
	MaxBodyBytes       int64
	MaxAttachmentBytes int64
}

// ParseHeaders parses only the header block of a raw message
func ParseHeaders(raw []byte) (Headers, error) {
	reader, err := createReader(raw)
	if err != nil {
		return Headers{}, err
	}
	return headersFromMail(&reader.Header), nil
}

// Parse parses a raw message into headers, body text and attachments.
// Only header level failures are reported; unreadable parts are skipped.
func Parse(raw []byte, opts Options) (*Message, error) {
	reader, err := createReader(raw)
	if err != nil {
		return nil, err
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultBodyLimit
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = defaultAttachmentLimit
	}

	msg := &Message{Headers: headersFromMail(&reader.Header)}

	var plain, html string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep what was read so far
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			ct = strings.ToLower(ct)
			if ct != "" && !strings.HasPrefix(ct, "text/") {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(part.Body, opts.MaxBodyBytes))
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html"):
				if html == "" {
					html = string(body)
				}
			default:
				if plain == "" {
					plain = string(body)
				}
			}
		case *mail.AttachmentHeader:
			if att, ok := readAttachment(part, h, opts.MaxAttachmentBytes); ok {
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	msg.HTML = html
	msg.Text = strings.TrimSpace(plain)
	if msg.Text == "" && html != "" {
		if text, err := NewHTMLParser().Parse(html); err == nil {
			msg.Text = text
		}
	}
	return msg, nil
}

func createReader(raw []byte) (*mail.Reader, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: no header", ErrMalformed)
	}
	if reader.Header.Len() == 0 {
		return nil, fmt.Errorf("%w: no header fields", ErrMalformed)
	}
	return reader, nil
}

func readAttachment(part *mail.Part, h *mail.AttachmentHeader, limit int64) (Attachment, bool) {
	filename, err := h.Filename()
	if err != nil || strings.TrimSpace(filename) == "" {
		filename = "attachment.bin"
	}
	ct, _, err := h.ContentType()
	if err != nil || ct == "" {
		ct = "application/octet-stream"
	}

	data, err := io.ReadAll(io.LimitReader(part.Body, limit+1))
	if err != nil {
		return Attachment{}, false
	}
	att := Attachment{
		Filename:    filename,
		ContentType: strings.ToLower(ct),
		Size:        int64(len(data)),
	}
	if att.Size > limit {
		att.Oversize = true
		return att, true
	}
	att.Data = data
	return att, true
}
