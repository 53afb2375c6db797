package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// pdfText reads the text layer page by page. Scanned documents without a
// text layer yield an empty string.
func (r *Registry) pdfText(ctx context.Context, att Attachment) (text string, err error) {
	// The reader panics on some malformed files
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("read pdf: %v", p)
		}
	}()

	pr, err := pdf.NewReader(bytes.NewReader(att.Data), int64(len(att.Data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= pr.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := pr.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		sb.WriteString(strings.TrimSpace(content))
		sb.WriteByte('\n')

		// Enough for the character limit
		if utf8.RuneCountInString(sb.String()) > r.limits.MaxChars {
			break
		}
	}
	return sb.String(), nil
}
