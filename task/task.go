package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a record in state from may be moved to state to.
// Re-applying a non-terminal state is allowed so a stage update can be repeated.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AudioExt is the extension of the extracted audio track written next to the raw media.
const AudioExt = ".mp3"

type Task struct {
	ID                 string    `json:"task_id"`
	Status             Status    `json:"status"`
	URL                string    `json:"url"`
	VideoID            string    `json:"video_id,omitempty"`
	Title              string    `json:"title,omitempty"`
	Error              string    `json:"error,omitempty"`
	Transcript         string    `json:"transcript,omitempty"`
	TranscriptFilePath string    `json:"transcript_file_path,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	Category           string    `json:"category,omitempty"`
	ThumbnailURL       string    `json:"thumbnail_url,omitempty"`
	ThumbnailLocalPath string    `json:"thumbnail_local_path,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// NewID returns a fresh task identifier. Identifiers are never reused.
func NewID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}

// Media is what the fetch stage hands to the rest of the pipeline.
type Media struct {
	VideoID       string
	Title         string
	Username      string
	AudioPath     string
	MetadataPath  string
	ThumbnailURL  string
	ThumbnailPath string
}

// Transcript is what the transcription stage hands back.
type Transcript struct {
	Text     string
	FilePath string
	Segments int
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status             *Status
	VideoID            *string
	Title              *string
	Error              *string
	Transcript         *string
	TranscriptFilePath *string
	Tags               []string
	Category           *string
	ThumbnailURL       *string
	ThumbnailLocalPath *string
}

// Assignment is a single column write produced from a Patch.
type Assignment struct {
	Column string
	Value  any
}

// Assignments flattens the patch into column writes in a stable order.
// Moving to any status other than failed clears the error column.
func (p Patch) Assignments() ([]Assignment, error) {
	var out []Assignment
	add := func(col string, v *string) {
		if v != nil {
			out = append(out, Assignment{Column: col, Value: *v})
		}
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("invalid status %q", *p.Status)
		}
		out = append(out, Assignment{Column: "status", Value: string(*p.Status)})
	}
	add("video_id", p.VideoID)
	add("title", p.Title)
	switch {
	case p.Status != nil && *p.Status != StatusFailed:
		out = append(out, Assignment{Column: "error", Value: nil})
	default:
		add("error", p.Error)
	}
	add("transcript", p.Transcript)
	add("transcript_file_path", p.TranscriptFilePath)
	if p.Tags != nil {
		raw, err := json.Marshal(p.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		out = append(out, Assignment{Column: "tags", Value: string(raw)})
	}
	add("category", p.Category)
	add("thumbnail_url", p.ThumbnailURL)
	add("thumbnail_local_path", p.ThumbnailLocalPath)
	return out, nil
}

// Apply copies the patch onto an in-memory snapshot using the same rules as Assignments.
func (p Patch) Apply(t *Task) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	if p.Status != nil {
		t.Status = *p.Status
		if *p.Status != StatusFailed {
			t.Error = ""
		}
	}
	set(&t.VideoID, p.VideoID)
	set(&t.Title, p.Title)
	if p.Status == nil || *p.Status == StatusFailed {
		set(&t.Error, p.Error)
	}
	set(&t.Transcript, p.Transcript)
	set(&t.TranscriptFilePath, p.TranscriptFilePath)
	if p.Tags != nil {
		t.Tags = append([]string(nil), p.Tags...)
	}
	set(&t.Category, p.Category)
	set(&t.ThumbnailURL, p.ThumbnailURL)
	set(&t.ThumbnailLocalPath, p.ThumbnailLocalPath)
}

func ptr[T any](v T) *T { return &v }
