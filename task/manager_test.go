// clipscribe/task/manager_test.go
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clipscribe/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that records every status it is asked to write.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	statuses  map[string][]Status
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*Task{}, statuses: map[string][]Status{}}
}

func (s *memStore) Create(ctx context.Context, t *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	cp := *t
	s.tasks[t.ID] = &cp
	s.statuses[t.ID] = append(s.statuses[t.ID], t.Status)
	return t.ID, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) Update(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	p.Apply(t)
	if p.Status != nil {
		s.statuses[id] = append(s.statuses[id], *p.Status)
	}
	return nil
}

func (s *memStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if st, ok := opts.Where["status"]; ok && string(t.Status) != st {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) history(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses[id]...)
}

// mockFetcher is a mock implementation of the Fetcher interface for testing.
type mockFetcher struct {
	fetchFunc func(ctx context.Context, url, outputDir, proxy string) (*Media, error)
	calls     atomic.Int32
}

func (m *mockFetcher) Fetch(ctx context.Context, url, outputDir, proxy string) (*Media, error) {
	m.calls.Add(1)
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, url, outputDir, proxy)
	}
	return &Media{
		VideoID:   "7300",
		Title:     "Full Recipe Tutorial for Beginners",
		AudioPath: filepath.Join(outputDir, "7300.mp3"),
	}, nil
}

// mockTranscriber writes a real transcript file unless transcribeFunc overrides it.
type mockTranscriber struct {
	transcribeFunc func(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error)
	calls          atomic.Int32
}

func (m *mockTranscriber) Transcribe(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error) {
	m.calls.Add(1)
	if m.transcribeFunc != nil {
		return m.transcribeFunc(ctx, audioPath, outputDir, videoID)
	}
	text := "[00:00:00]\nhello world\n"
	path := filepath.Join(outputDir, videoID+"_transcript.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return nil, err
	}
	return &Transcript{Text: text, FilePath: path, Segments: 1}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DownloadsDir:    t.TempDir(),
		MaxConcurrency:  1,
		QueueSize:       10,
		ListLimit:       50,
		CallbackTimeout: 2 * time.Second,
	}
}

type fixture struct {
	mgr         *Manager
	store       *memStore
	fetcher     *mockFetcher
	transcriber *mockTranscriber
	cfg         *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       newMemStore(),
		fetcher:     &mockFetcher{},
		transcriber: &mockTranscriber{},
		cfg:         testConfig(t),
	}
	mgr, err := NewManager(f.cfg, f.store, f.fetcher, f.transcriber, NewHTTPNotifier(time.Second))
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func (f *fixture) seed(t *testing.T, status Status) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), &Task{Status: status, URL: "https://www.tiktok.com/@a/video/7300", CreatedAt: time.Now()})
	require.NoError(t, err)
	return id
}

func waitForTerminal(t *testing.T, mgr *Manager, id string) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		tk, err := mgr.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestTaskManager_Submit(t *testing.T) {
	t.Run("returns pending without waiting for a worker", func(t *testing.T) {
		f := newFixture(t)
		// Start is never called, so no worker picks the task up.
		mgr := f.mgr
		ctx := context.Background()

		start := time.Now()
		task, err := mgr.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/@a/video/1"})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, StatusPending, task.Status)

		stored, err := mgr.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Equal(t, "https://www.tiktok.com/@a/video/1", stored.URL)
	})

	t.Run("does not block when the queue is full", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.QueueSize = 1
		mgr, err := NewManager(f.cfg, f.store, f.fetcher, f.transcriber, nil)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 5; i++ {
				_, err := mgr.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
				assert.NoError(t, err)
			}
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Submit blocked on a full queue")
		}
	})

	t.Run("create records without scheduling", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.mgr.Create(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, created.Status)
		assert.Empty(t, f.mgr.queue)

		_, err = f.mgr.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/2"})
		require.NoError(t, err)
		assert.Len(t, f.mgr.queue, 1)
	})

	t.Run("drops jobs after shutdown", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.QueueSize = 1
		mgr, err := NewManager(f.cfg, f.store, f.fetcher, f.transcriber, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		mgr.Start(ctx)
		require.Eventually(t, func() bool {
			select {
			case <-mgr.stopped:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)

		for i := 0; i < 3; i++ {
			created, err := mgr.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, created.Status)
		}
		assert.Empty(t, mgr.queue)
		assert.EqualValues(t, 0, f.fetcher.calls.Load())
	})

	t.Run("zero concurrency still runs tasks", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.MaxConcurrency = 0
		mgr, err := NewManager(f.cfg, f.store, f.fetcher, f.transcriber, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, cap(mgr.concurrencySem))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)
		created, err := mgr.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/@a/video/7300"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, waitForTerminal(t, mgr, created.ID).Status)
	})

	t.Run("rejects non-http urls", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mgr.Submit(context.Background(), SubmitRequest{URL: "file:///etc/passwd"})
		assert.ErrorIs(t, err, ErrInvalidURL)
		_, err = f.mgr.Submit(context.Background(), SubmitRequest{URL: "https://ok.example/v", CallbackURL: "not a url"})
		assert.ErrorIs(t, err, ErrInvalidURL)
	})

	t.Run("store unavailable", func(t *testing.T) {
		f := newFixture(t)
		mgr, err := NewManager(f.cfg, nil, f.fetcher, f.transcriber, nil)
		require.NoError(t, err)
		_, err = mgr.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		_, err = mgr.Get(context.Background(), "x")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestTaskManager_ProcessTask(t *testing.T) {
	t.Run("successful processing", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.mgr.Start(ctx)

		task, err := f.mgr.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/@a/video/7300"})
		require.NoError(t, err)

		done := waitForTerminal(t, f.mgr, task.ID)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, "7300", done.VideoID)
		assert.Equal(t, "education", done.Category)
		assert.Subset(t, []string{"full", "recipe", "tutorial", "beginners"}, done.Tags)
		assert.Empty(t, done.Error)
		assert.NotEmpty(t, done.Transcript)

		content, err := os.ReadFile(done.TranscriptFilePath)
		require.NoError(t, err)
		assert.NotEmpty(t, content)
		assert.Equal(t, filepath.Join(f.cfg.DownloadsDir, task.ID), filepath.Dir(done.TranscriptFilePath))

		assert.Equal(t, []Status{StatusPending, StatusProcessing, StatusCompleted}, f.store.history(task.ID))
	})

	t.Run("fetch failure records no identity", func(t *testing.T) {
		f := newFixture(t)
		f.fetcher.fetchFunc = func(ctx context.Context, url, outputDir, proxy string) (*Media, error) {
			return &Media{VideoID: "unknown_1700000000", Title: "TikTok_unknown_unknown_1700000000"},
				errors.New("All download attempts failed (1 tried). Last error: Unsupported URL")
		}
		id := f.seed(t, StatusPending)

		got, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Contains(t, got.Error, "All download attempts failed")
		assert.Empty(t, got.VideoID)
		assert.Empty(t, got.Title)

		stored, err := f.mgr.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, stored.VideoID)
		assert.Empty(t, stored.Title)
		assert.EqualValues(t, 0, f.transcriber.calls.Load())
		assert.Equal(t, []Status{StatusPending, StatusFailed}, f.store.history(id))
	})

	t.Run("transcription failure", func(t *testing.T) {
		f := newFixture(t)
		f.transcriber.transcribeFunc = func(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error) {
			return nil, &config.ConfigurationError{Key: "OPENAI_API_KEY"}
		}
		id := f.seed(t, StatusPending)

		got, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Contains(t, got.Error, TranscriptionFailed)
		assert.Equal(t, "7300", got.VideoID, "identity from the fetch stage survives")
		assert.Empty(t, got.Transcript)
		assert.Equal(t, []Status{StatusPending, StatusProcessing, StatusFailed}, f.store.history(id))
	})

	t.Run("empty transcript is a failure", func(t *testing.T) {
		f := newFixture(t)
		f.transcriber.transcribeFunc = func(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error) {
			return &Transcript{}, nil
		}
		id := f.seed(t, StatusPending)

		got, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
	})

	t.Run("panic in a stage marks the task failed", func(t *testing.T) {
		f := newFixture(t)
		f.transcriber.transcribeFunc = func(ctx context.Context, audioPath, outputDir, videoID string) (*Transcript, error) {
			panic("boom")
		}
		id := f.seed(t, StatusPending)

		_, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		stored, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Contains(t, stored.Error, "boom")
	})

	t.Run("url is re-read from the store", func(t *testing.T) {
		f := newFixture(t)
		var seen string
		f.fetcher.fetchFunc = func(ctx context.Context, url, outputDir, proxy string) (*Media, error) {
			seen = url
			return nil, errors.New("stop here")
		}
		id := f.seed(t, StatusPending)

		_, err := f.mgr.Run(context.Background(), id, RunOptions{Proxy: "http://proxy:3128"})
		require.NoError(t, err)
		assert.Equal(t, "https://www.tiktok.com/@a/video/7300", seen)
	})

	t.Run("store failure aborts without crashing", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusPending)
		f.store.updateErr = &StoreError{Op: "update", Err: errors.New("connection refused")}

		_, err := f.mgr.Run(context.Background(), id, RunOptions{})
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestTaskManager_RunIdempotence(t *testing.T) {
	t.Run("completed task is a no-op", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusPending)

		first, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, first.Status)

		second, err := f.mgr.Run(context.Background(), id, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, second.Status)
		assert.EqualValues(t, 1, f.fetcher.calls.Load())
		assert.EqualValues(t, 1, f.transcriber.calls.Load())
	})

	t.Run("failed task is never retried", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusFailed)

		_, err := f.mgr.Run(context.Background(), id, RunOptions{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.EqualValues(t, 0, f.fetcher.calls.Load())
	})

	t.Run("unknown task", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mgr.Run(context.Background(), "missing", RunOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTaskManager_Callback(t *testing.T) {
	received := make(chan Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.mgr.Start(ctx)

	task, err := f.mgr.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/@a/video/7300", CallbackURL: srv.URL})
	require.NoError(t, err)

	select {
	case n := <-received:
		assert.Equal(t, task.ID, n.TaskID)
		assert.Equal(t, StatusCompleted, n.Status)
		assert.Equal(t, "7300", n.VideoID)
		assert.Empty(t, n.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not received")
	}
}

func TestTaskManager_CallbackFailureDoesNotChangeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t)
	id := f.seed(t, StatusPending)
	got, err := f.mgr.Run(context.Background(), id, RunOptions{CallbackURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestTaskManager_Delete(t *testing.T) {
	t.Run("nonexistent task", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusCompleted)

		err := f.mgr.Delete(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.store.Get(context.Background(), id)
		assert.NoError(t, err, "store unchanged")
	})

	t.Run("removes record and directory", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusCompleted)
		dir := f.mgr.TaskDir(id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "7300.mp3"), []byte("x"), 0o644))

		require.NoError(t, f.mgr.Delete(context.Background(), id))
		_, err := f.store.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoDirExists(t, dir)
	})

	t.Run("directory already absent", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, StatusFailed)
		assert.NoError(t, f.mgr.Delete(context.Background(), id))
	})
}

func TestTaskManager_List(t *testing.T) {
	f := newFixture(t)
	f.cfg.ListLimit = 2
	for i := 0; i < 3; i++ {
		_, err := f.store.Create(context.Background(), &Task{
			Status:    StatusPending,
			URL:       "https://example.com",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	tasks, err := f.mgr.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt))

	_, err = f.mgr.List(context.Background(), ListOptions{Where: map[string]string{"transcript": "x"}})
	assert.Error(t, err)
}

func TestTaskManager_PruneMedia(t *testing.T) {
	f := newFixture(t)
	f.cfg.MediaRetention = time.Hour
	ctx := context.Background()

	old, err := f.store.Create(ctx, &Task{Status: StatusCompleted, VideoID: "1", URL: "u", CreatedAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	fresh, err := f.store.Create(ctx, &Task{Status: StatusCompleted, VideoID: "2", URL: "u", CreatedAt: time.Now()})
	require.NoError(t, err)
	running, err := f.store.Create(ctx, &Task{Status: StatusProcessing, VideoID: "3", URL: "u", CreatedAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)

	write := func(id, name string) string {
		dir := f.mgr.TaskDir(id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		return p
	}
	oldAudio := write(old, "1.mp3")
	oldTranscript := write(old, "1_transcript.txt")
	freshAudio := write(fresh, "2.mp3")
	runningAudio := write(running, "3.mp3")

	assert.Equal(t, 1, f.mgr.pruneMedia(ctx, time.Now()))
	assert.NoFileExists(t, oldAudio)
	assert.FileExists(t, oldTranscript)
	assert.FileExists(t, freshAudio)
	assert.FileExists(t, runningAudio)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.False(t, CanTransition(StatusFailed, StatusProcessing))
	assert.False(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.False(t, CanTransition(StatusCompleted, StatusCompleted))
	assert.False(t, CanTransition(StatusProcessing, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
}
