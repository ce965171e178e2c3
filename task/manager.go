package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"clipscribe/config"
	"clipscribe/enrich"
)

// Fetcher resolves media identity and downloads an audio track into outputDir.
// The returned Media is only read when err is nil.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, outputDir, proxy string) (*Media, error)
}

// Transcriber turns a local audio file into a formatted transcript written under outputDir.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error)
}

type SubmitRequest struct {
	URL         string
	CallbackURL string
	Proxy       string
}

// RunOptions carry per-request settings that are not persisted with the record.
type RunOptions struct {
	CallbackURL string
	Proxy       string
}

type job struct {
	taskID string
	opts   RunOptions
}

// TranscriptionFailed prefixes the error recorded when the transcription stage fails.
const TranscriptionFailed = "Transcription failed"

type Manager struct {
	cfg            *config.Config
	store          Store
	fetcher        Fetcher
	transcriber    Transcriber
	notifier       Notifier
	queue          chan job
	concurrencySem chan struct{}
	// stopped is closed once the context passed to Start is done.
	stopped chan struct{}
}

// NewManager wires the pipeline stages. A nil store is accepted: every operation then
// fails with ErrStoreUnavailable. A nil notifier disables callbacks.
func NewManager(cfg *config.Config, store Store, fetcher Fetcher, transcriber Transcriber, notifier Notifier) (*Manager, error) {
	if fetcher == nil {
		return nil, errors.New("task manager: media fetcher is required")
	}
	if transcriber == nil {
		return nil, errors.New("task manager: transcriber is required")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	workers := cfg.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		cfg:            cfg,
		store:          store,
		fetcher:        fetcher,
		transcriber:    transcriber,
		notifier:       notifier,
		queue:          make(chan job, queueSize),
		concurrencySem: make(chan struct{}, workers),
		stopped:        make(chan struct{}),
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	slog.Info("task manager started", "max_concurrency", cap(m.concurrencySem), "downloads_dir", m.cfg.DownloadsDir)
	go func() {
		<-ctx.Done()
		close(m.stopped)
	}()
	go m.retentionLoop(ctx)
	go m.workerLoop(ctx)
}

// workerLoop pulls queued task ids and runs them, bounded by the concurrency semaphore.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker loop shutting down")
			return
		case j := <-m.queue:
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(j job) {
				defer func() { <-m.concurrencySem }()
				if _, err := m.Run(ctx, j.taskID, j.opts); err != nil {
					slog.Error("task run aborted", "task_id", j.taskID, "error", err)
				}
			}(j)
		}
	}
}

func (m *Manager) storeOrErr() (Store, error) {
	if m.store == nil {
		return nil, ErrStoreUnavailable
	}
	return m.store, nil
}

// TaskDir is the working directory owned by a single task.
func (m *Manager) TaskDir(taskID string) string {
	return filepath.Join(m.cfg.DownloadsDir, taskID)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Create validates the request and records a pending task without scheduling it.
func (m *Manager) Create(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := validateHTTPURL(req.URL); err != nil {
		return nil, err
	}
	if req.CallbackURL != "" {
		if err := validateHTTPURL(req.CallbackURL); err != nil {
			return nil, fmt.Errorf("callback_url: %w", err)
		}
	}
	st, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}

	t := &Task{
		Status:    StatusPending,
		URL:       req.URL,
		CreatedAt: time.Now().UTC(),
	}
	id, err := st.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

// Submit records a pending task and schedules it. It never waits for a free worker.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	t, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	m.enqueue(job{taskID: t.ID, opts: RunOptions{CallbackURL: req.CallbackURL, Proxy: req.Proxy}})
	slog.Info("task submitted", "task_id", t.ID, "url", req.URL)
	return t, nil
}

// enqueue drops the job once the manager has stopped; the record stays pending.
func (m *Manager) enqueue(j job) {
	select {
	case <-m.stopped:
		slog.Warn("task manager stopped, task left pending", "task_id", j.taskID)
		return
	default:
	}
	select {
	case m.queue <- j:
	default:
		slog.Warn("task queue full, handing off", "task_id", j.taskID)
		go func() {
			select {
			case m.queue <- j:
			case <-m.stopped:
				slog.Warn("task manager stopped, task left pending", "task_id", j.taskID)
			}
		}()
	}
}

// Run drives one task through fetch, transcribe and enrich, then sends the optional callback.
// Stage failures are recorded on the task and are not returned; the returned error reports
// only store failures and refused transitions. A completed task is returned untouched.
func (m *Manager) Run(ctx context.Context, taskID string, opts RunOptions) (*Task, error) {
	st, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}
	t, err := st.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusCompleted:
		slog.Debug("task already completed, skipping", "task_id", taskID)
		return t, nil
	case StatusFailed:
		return t, fmt.Errorf("task %s is failed: %w", taskID, ErrInvalidTransition)
	}

	runErr := m.execute(ctx, st, t, opts)
	if t.Status.Terminal() && opts.CallbackURL != "" {
		m.notify(ctx, opts.CallbackURL, t)
	}
	return t, runErr
}

// execute mutates t in step with every successful store update.
func (m *Manager) execute(ctx context.Context, st Store, t *Task, opts RunOptions) (err error) {
	logger := slog.With("task_id", t.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			err = m.fail(ctx, st, t, fmt.Sprintf("internal error: %v", r))
		}
	}()

	outputDir := m.TaskDir(t.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		logger.Error("could not create task directory", "dir", outputDir, "error", err)
		return m.fail(ctx, st, t, fmt.Sprintf("could not create working directory: %v", err))
	}

	logger.Info("fetching media", "url", t.URL)
	media, err := m.fetcher.Fetch(ctx, t.URL, outputDir, opts.Proxy)
	if err != nil {
		logger.Warn("fetch failed", "error", err)
		return m.fail(ctx, st, t, err.Error())
	}

	processing := Patch{
		Status:  ptr(StatusProcessing),
		VideoID: ptr(media.VideoID),
		Title:   ptr(media.Title),
	}
	if media.ThumbnailURL != "" {
		processing.ThumbnailURL = ptr(media.ThumbnailURL)
	}
	if media.ThumbnailPath != "" {
		processing.ThumbnailLocalPath = ptr(media.ThumbnailPath)
	}
	if err := m.update(ctx, st, t, processing); err != nil {
		return err
	}

	logger.Info("transcribing", "video_id", media.VideoID, "audio", media.AudioPath)
	tr, err := m.transcriber.Transcribe(ctx, media.AudioPath, outputDir, media.VideoID)
	if err == nil && (tr == nil || tr.Text == "" || tr.FilePath == "") {
		err = errors.New("empty transcript")
	}
	if err != nil {
		logger.Error("transcription failed", "error", err)
		return m.fail(ctx, st, t, fmt.Sprintf("%s: %v", TranscriptionFailed, err))
	}

	tags := enrich.DeriveTags(media.Title)
	category := enrich.DeriveCategory(media.Title, tr.Text)
	if tags == nil {
		tags = []string{}
	}
	done := Patch{
		Status:             ptr(StatusCompleted),
		Transcript:         ptr(tr.Text),
		TranscriptFilePath: ptr(tr.FilePath),
		Tags:               tags,
		Category:           ptr(category),
	}
	if err := m.update(ctx, st, t, done); err != nil {
		return err
	}
	logger.Info("task completed", "segments", tr.Segments, "tags", len(tags), "category", category)
	return nil
}

// fail records a terminal failure. Identity fields keep whatever a successful fetch wrote.
func (m *Manager) fail(ctx context.Context, st Store, t *Task, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	// A shutdown must not leave the record stuck in processing.
	ctx = context.WithoutCancel(ctx)
	return m.update(ctx, st, t, Patch{Status: ptr(StatusFailed), Error: ptr(msg)})
}

// update refuses transitions the state machine does not allow before touching the store.
func (m *Manager) update(ctx context.Context, st Store, t *Task, p Patch) error {
	if p.Status != nil && !CanTransition(t.Status, *p.Status) {
		return fmt.Errorf("task %s %s -> %s: %w", t.ID, t.Status, *p.Status, ErrInvalidTransition)
	}
	if err := st.Update(ctx, t.ID, p); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	p.Apply(t)
	return nil
}

func (m *Manager) notify(ctx context.Context, callbackURL string, t *Task) {
	if m.notifier == nil {
		return
	}
	timeout := m.cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := m.notifier.Notify(nctx, callbackURL, NotificationFor(t)); err != nil {
		slog.Warn("callback notification failed", "task_id", t.ID, "error", err)
		return
	}
	slog.Info("callback notification sent", "task_id", t.ID, "status", t.Status)
}

func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	st, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}
	return st.Get(ctx, taskID)
}

// List returns tasks newest first. A zero limit falls back to the configured list limit.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	st, err := m.storeOrErr()
	if err != nil {
		return nil, err
	}
	if err := opts.ValidateWhere(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = m.cfg.ListLimit
	}
	return st.List(ctx, opts)
}

// Delete removes the record, then makes a best-effort attempt to remove the task directory.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	st, err := m.storeOrErr()
	if err != nil {
		return err
	}
	if err := st.Delete(ctx, taskID); err != nil {
		return err
	}
	dir := m.TaskDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("could not remove task directory", "task_id", taskID, "dir", dir, "error", err)
	}
	slog.Info("task deleted", "task_id", taskID)
	return nil
}

// retentionLoop periodically removes downloaded audio of finished tasks.
func (m *Manager) retentionLoop(ctx context.Context) {
	if m.cfg.MediaRetention <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.MediaRetention / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention loop shutting down")
			return
		case <-ticker.C:
			m.pruneMedia(ctx, time.Now())
		}
	}
}

// pruneMedia deletes <task dir>/<video_id>.mp3 for terminal tasks created before now-MediaRetention.
// Transcripts, sidecars and thumbnails are kept. It returns the number of files removed.
func (m *Manager) pruneMedia(ctx context.Context, now time.Time) int {
	st, err := m.storeOrErr()
	if err != nil {
		return 0
	}
	removed := 0
	for _, status := range []Status{StatusCompleted, StatusFailed} {
		tasks, err := st.List(ctx, ListOptions{Where: map[string]string{"status": string(status)}})
		if err != nil {
			slog.Warn("retention: list failed", "status", status, "error", err)
			continue
		}
		for _, t := range tasks {
			if t.VideoID == "" || now.Sub(t.CreatedAt) <= m.cfg.MediaRetention {
				continue
			}
			audio := filepath.Join(m.TaskDir(t.ID), t.VideoID+AudioExt)
			err := os.Remove(audio)
			switch {
			case err == nil:
				removed++
				slog.Info("retention: removed audio", "task_id", t.ID, "path", audio)
			case !errors.Is(err, os.ErrNotExist):
				slog.Warn("retention: could not remove audio", "task_id", t.ID, "path", audio, "error", err)
			}
		}
	}
	return removed
}
