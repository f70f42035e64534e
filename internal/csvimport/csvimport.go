// Package csvimport bulk-loads posts from CSV exports. Rows map to draft
// posts; in scheduled mode each valid row is also enqueued into the next free
// slot. Row errors never abort the import.
package csvimport

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"telepost/internal/domain"
	"telepost/internal/service"
)

const (
	ModeDraft     = "draft"
	ModeScheduled = "scheduled"
)

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type Report struct {
	Total     int        `json:"total"`
	Created   int        `json:"created"`
	Scheduled int        `json:"scheduled"`
	Errors    []RowError `json:"errors"`
}

type Importer struct {
	repo domain.Repository
	svc  *service.Service
}

func New(repo domain.Repository, svc *service.Service) *Importer {
	return &Importer{repo: repo, svc: svc}
}

// Import reads the CSV, creating one post per data row. The header row names
// the columns; unknown columns are ignored. A channel is resolved per row by
// channel_id or channel_title, falling back to defaultChannelID.
func (im *Importer) Import(ctx context.Context, r io.Reader, mode string, defaultChannelID int64) (Report, error) {
	if mode != ModeDraft && mode != ModeScheduled {
		return Report{}, fmt.Errorf("unknown import mode %q", mode)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return Report{}, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		// Excel exports prepend a UTF-8 BOM to the first cell.
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	report := Report{}
	rowNum := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			report.Errors = append(report.Errors, RowError{Row: rowNum, Message: err.Error()})
			continue
		}
		report.Total++

		if err := im.importRow(ctx, cols, record, mode, defaultChannelID, &report); err != nil {
			report.Errors = append(report.Errors, RowError{Row: rowNum, Message: err.Error()})
		}
	}

	if err := im.repo.LogAction(ctx, "import", 0, "import", map[string]any{
		"mode":      mode,
		"total":     report.Total,
		"created":   report.Created,
		"scheduled": report.Scheduled,
		"errors":    len(report.Errors),
	}); err != nil {
		return report, err
	}
	return report, nil
}

func (im *Importer) importRow(ctx context.Context, cols map[string]int, record []string, mode string, defaultChannelID int64, report *Report) error {
	cell := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	channelID, err := im.resolveChannel(ctx, cell("channel_id"), cell("channel_title"), defaultChannelID)
	if err != nil {
		return err
	}

	buttons, err := parseButtonsCell(cell("buttons"))
	if err != nil {
		return err
	}

	post, err := im.svc.CreatePost(ctx, service.PostInput{
		ChannelID: channelID,
		Title:     cell("title"),
		BodyHTML:  cell("body_html"),
		Media:     mediaFromURLs(cell("media_urls")),
		Buttons:   buttons,
		Options:   cell("options"),
	})
	if err != nil {
		return err
	}
	report.Created++

	if mode == ModeScheduled {
		// planned_at is channel-local "YYYY-MM-DD HH:MM"; empty means the
		// next free slot.
		if _, err := im.svc.SchedulePost(ctx, post.ID, cell("planned_at")); err != nil {
			return fmt.Errorf("post %d created but not scheduled: %v", post.ID, err)
		}
		report.Scheduled++
	}
	return nil
}

func (im *Importer) resolveChannel(ctx context.Context, idCell, titleCell string, defaultChannelID int64) (int64, error) {
	if idCell != "" {
		id, err := strconv.ParseInt(idCell, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid channel_id %q", idCell)
		}
		return id, nil
	}
	if titleCell != "" {
		ch, err := im.repo.FindChannelByTitle(ctx, titleCell)
		if err != nil {
			return 0, fmt.Errorf("channel %q: %w", titleCell, err)
		}
		return ch.ID, nil
	}
	if defaultChannelID != 0 {
		return defaultChannelID, nil
	}
	return 0, fmt.Errorf("no channel: provide channel_id, channel_title or a default")
}

// mediaFromURLs turns a pipe-separated URL list into the media JSON array.
// Imported media defaults to photo.
func mediaFromURLs(cell string) string {
	if cell == "" {
		return "[]"
	}
	var items []domain.MediaItem
	for _, u := range strings.Split(cell, "|") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		items = append(items, domain.MediaItem{Type: "photo", URL: u})
	}
	if len(items) == 0 {
		return "[]"
	}
	body, _ := json.Marshal(items)
	return string(body)
}

// parseButtonsCell accepts either a JSON array or the compact
// "text|url;text|url" form.
func parseButtonsCell(cell string) (string, error) {
	if cell == "" {
		return "[]", nil
	}
	if strings.HasPrefix(cell, "[") {
		var check []domain.Button
		if err := json.Unmarshal([]byte(cell), &check); err != nil {
			return "", fmt.Errorf("invalid buttons JSON: %v", err)
		}
		return cell, nil
	}

	var buttons []domain.Button
	for _, pair := range strings.Split(cell, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "|", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("invalid button %q, expected text|url", pair)
		}
		buttons = append(buttons, domain.Button{Text: strings.TrimSpace(parts[0]), URL: strings.TrimSpace(parts[1])})
	}
	if len(buttons) == 0 {
		return "[]", nil
	}
	body, err := json.Marshal(buttons)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
