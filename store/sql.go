// Package store holds the Task Record Store implementations: SQLite for a single process
// and PostgreSQL for a shared database. Both speak the same column layout.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"clipscribe/task"
)

const columns = `task_id, status, url, video_id, title, error, transcript, transcript_file_path,
	tags, category, thumbnail_url, thumbnail_local_path, created_at`

// placeholder renders the n-th (1-based) bind parameter for a driver.
type placeholder func(n int) string

func question(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func buildUpdate(id string, p task.Patch, ph placeholder) (string, []any, error) {
	assigns, err := p.Assignments()
	if err != nil {
		return "", nil, err
	}
	if len(assigns) == 0 {
		return "", nil, nil
	}
	sets := make([]string, 0, len(assigns))
	args := make([]any, 0, len(assigns)+1)
	for i, a := range assigns {
		sets = append(sets, fmt.Sprintf("%s = %s", a.Column, ph(i+1)))
		args = append(args, a.Value)
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE tasks SET %s WHERE task_id = %s", strings.Join(sets, ", "), ph(len(args)))
	return q, args, nil
}

func buildList(opts task.ListOptions, ph placeholder) (string, []any, error) {
	if err := opts.ValidateWhere(); err != nil {
		return "", nil, err
	}
	var q strings.Builder
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")

	// Sorted so the generated SQL is stable.
	cols := make([]string, 0, len(opts.Where))
	for col := range opts.Where {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var args []any
	for _, col := range cols {
		args = append(args, opts.Where[col])
		fmt.Fprintf(&q, " AND %s = %s", col, ph(len(args)))
	}
	q.WriteString(" ORDER BY created_at DESC, task_id DESC")
	if opts.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", opts.Limit)
	}
	return q.String(), args, nil
}

// taskRow mirrors one row; nullable columns scan into pointers.
type taskRow struct {
	id, status, url    string
	videoID, title     *string
	errMsg, transcript *string
	transcriptPath     *string
	tags, category     *string
	thumbURL           *string
	thumbPath          *string
}

// dests returns scan destinations for every column except created_at.
func (r *taskRow) dests() []any {
	return []any{
		&r.id, &r.status, &r.url, &r.videoID, &r.title, &r.errMsg, &r.transcript,
		&r.transcriptPath, &r.tags, &r.category, &r.thumbURL, &r.thumbPath,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *taskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:                 r.id,
		Status:             task.Status(r.status),
		URL:                r.url,
		VideoID:            deref(r.videoID),
		Title:              deref(r.title),
		Error:              deref(r.errMsg),
		Transcript:         deref(r.transcript),
		TranscriptFilePath: deref(r.transcriptPath),
		Category:           deref(r.category),
		ThumbnailURL:       deref(r.thumbURL),
		ThumbnailLocalPath: deref(r.thumbPath),
	}
	if raw := deref(r.tags); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of task %s: %w", r.id, err)
		}
	}
	return t, nil
}

func encodeTags(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// insertArgs returns the values for every column except created_at, in column order.
func insertArgs(t *task.Task) ([]any, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []any{
		t.ID, string(t.Status), t.URL,
		nullable(t.VideoID), nullable(t.Title), nullable(t.Error), nullable(t.Transcript),
		nullable(t.TranscriptFilePath), tags, nullable(t.Category),
		nullable(t.ThumbnailURL), nullable(t.ThumbnailLocalPath),
	}, nil
}

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
}
