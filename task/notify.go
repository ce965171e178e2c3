package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notification is the body posted to a caller-supplied callback URL.
type Notification struct {
	TaskID  string `json:"task_id"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	VideoID string `json:"video_id,omitempty"`
	Title   string `json:"title,omitempty"`
}

func NotificationFor(t *Task) Notification {
	return Notification{
		TaskID:  t.ID,
		Status:  t.Status,
		Error:   t.Error,
		VideoID: t.VideoID,
		Title:   t.Title,
	}
}

type Notifier interface {
	Notify(ctx context.Context, callbackURL string, n Notification) error
}

// NotificationError reports a callback that could not be delivered.
type NotificationError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("callback %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("callback %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// HTTPNotifier posts a single JSON notification. There is no retry and no signature.
type HTTPNotifier struct {
	client *http.Client
}

func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, callbackURL string, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return &NotificationError{URL: callbackURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &NotificationError{URL: callbackURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &NotificationError{URL: callbackURL, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NotificationError{URL: callbackURL, StatusCode: resp.StatusCode}
	}
	return nil
}
