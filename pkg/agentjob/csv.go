package agentjob

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseInputCSV reads headers and data rows from content, skipping
// rows that are entirely blank. Uses encoding/csv directly rather than
// a quoted-field hand parser, since quoting/escaping is exactly what
// the standard library's CSV reader already gets right.
func ParseInputCSV(content string) (headers []string, rows [][]string, err error) {
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1

	headerRow, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("agentjob: read csv header: %w", err)
	}
	headers = make([]string, len(headerRow))
	for i, h := range headerRow {
		headers[i] = strings.TrimPrefix(h, "﻿")
	}

	for {
		row, readErr := r.Read()
		if readErr != nil {
			break
		}
		if len(row) != len(headers) {
			return nil, nil, fmt.Errorf("agentjob: csv row has %d fields but header has %d", len(row), len(headers))
		}
		if isBlankRow(row) {
			continue
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

// EnsureUniqueHeaders rejects a CSV whose header row repeats a column
// name.
func EnsureUniqueHeaders(headers []string) error {
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		if seen[h] {
			return fmt.Errorf("agentjob: csv header %q is duplicated", h)
		}
		seen[h] = true
	}
	return nil
}

// BuildItems turns parsed CSV rows into job items, assigning each a
// stable item id. If idColumn is non-empty, its value seeds the id
// (falling back to "row-N" when blank); collisions get a "-2", "-3", …
// suffix.
func BuildItems(headers []string, rows [][]string, idColumnIndex int) []Item {
	seen := make(map[string]bool, len(rows))
	items := make([]Item, 0, len(rows))
	for idx, row := range rows {
		var sourceID string
		if idColumnIndex >= 0 && idColumnIndex < len(row) {
			sourceID = strings.TrimSpace(row[idColumnIndex])
		}
		base := sourceID
		if base == "" {
			base = fmt.Sprintf("row-%d", idx+1)
		}
		itemID := base
		suffix := 2
		for seen[itemID] {
			itemID = fmt.Sprintf("%s-%d", base, suffix)
			suffix++
		}
		seen[itemID] = true

		rowMap := make(map[string]string, len(headers))
		for i, h := range headers {
			rowMap[h] = row[i]
		}
		items = append(items, Item{
			ItemID:   itemID,
			RowIndex: idx,
			SourceID: sourceID,
			Row:      rowMap,
		})
	}
	return items
}

// RenderInstructionTemplate fills {column} placeholders in instruction
// from row, leaving unknown placeholders untouched. A doubled brace
// ({{...}}) is an escape for a literal brace.
func RenderInstructionTemplate(instruction string, row map[string]string) string {
	const openSentinel = "\x00OPEN\x00"
	const closeSentinel = "\x00CLOSE\x00"

	rendered := strings.ReplaceAll(instruction, "{{", openSentinel)
	rendered = strings.ReplaceAll(rendered, "}}", closeSentinel)
	for key, value := range row {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	rendered = strings.ReplaceAll(rendered, openSentinel, "{")
	rendered = strings.ReplaceAll(rendered, closeSentinel, "}")
	return rendered
}

// RenderOutputCSV writes every item for a job as a CSV row, the
// original columns plus job bookkeeping columns, ordered by row index.
func RenderOutputCSV(headers []string, items []Item) (string, error) {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RowIndex < ordered[j].RowIndex })

	outHeaders := append(append([]string{}, headers...),
		"job_id", "item_id", "row_index", "source_id", "status",
		"attempt_count", "last_error", "result", "reported_at", "completed_at")

	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(outHeaders); err != nil {
		return "", fmt.Errorf("agentjob: write csv header: %w", err)
	}
	for _, item := range ordered {
		record := make([]string, 0, len(outHeaders))
		for _, h := range headers {
			record = append(record, item.Row[h])
		}
		record = append(record,
			item.JobID,
			item.ItemID,
			strconv.Itoa(item.RowIndex),
			item.SourceID,
			string(item.Status),
			strconv.Itoa(item.AttemptCount),
			item.LastError,
			string(item.Result),
			timeOrEmpty(item.ReportedAt),
			timeOrEmpty(item.CompletedAt),
		)
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("agentjob: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("agentjob: flush csv: %w", err)
	}
	return b.String(), nil
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
