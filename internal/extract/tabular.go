package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

func (r *Registry) csv(ctx context.Context, att Attachment) (string, error) {
	reader := csv.NewReader(strings.NewReader(decodeText(att.Data)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var sb strings.Builder
	rows := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read csv: %w", err)
		}
		if rows >= r.limits.MaxRows {
			fmt.Fprintf(&sb, "[... rows after %d omitted ...]\n", r.limits.MaxRows)
			break
		}
		if !writeRow(&sb, record) {
			continue
		}
		rows++
		if rows%100 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
	}
	return sb.String(), nil
}

func (r *Registry) xlsx(ctx context.Context, att Attachment) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(att.Data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}

		fmt.Fprintf(&sb, "=== Sheet: %s ===\n", sheet)
		written := 0
		for _, row := range rows {
			if written >= r.limits.MaxRows {
				fmt.Fprintf(&sb, "[... rows after %d omitted ...]\n", r.limits.MaxRows)
				break
			}
			if writeRow(&sb, row) {
				written++
			}
		}
	}
	return sb.String(), nil
}

// writeRow writes a non-empty row as pipe separated cells
func writeRow(sb *strings.Builder, cells []string) bool {
	empty := true
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			empty = false
			break
		}
	}
	if empty {
		return false
	}
	sb.WriteString(strings.Join(cells, " | "))
	sb.WriteByte('\n')
	return true
}
