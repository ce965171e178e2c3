// Package transcriber turns a local audio file into a timestamped transcript document.
package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"clipscribe/config"
	"clipscribe/task"
)

// TranscriptionError names the stage that failed.
type TranscriptionError struct {
	Stage string
	Cause error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }

// Service implements task.Transcriber.
type Service struct {
	cfg    *config.Config
	client SpeechClient
	tool   MediaTool
}

// New accepts a nil client; every call then fails with a *config.ConfigurationError.
func New(cfg *config.Config, client SpeechClient, tool MediaTool) *Service {
	return &Service{cfg: cfg, client: client, tool: tool}
}

// NewFromConfig builds a Whisper-backed service, leaving the client unset when no API key
// is configured.
func NewFromConfig(cfg *config.Config, tool MediaTool) *Service {
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set; transcription requests will fail")
		return New(cfg, nil, tool)
	}
	client := NewWhisperClient(WhisperConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.WhisperModel,
	})
	return New(cfg, client, tool)
}

func (s *Service) plan() ChunkPlan {
	return ChunkPlan{
		Duration:    s.cfg.ChunkDuration,
		MaxSize:     s.cfg.ChunkMaxSize,
		MinDuration: s.cfg.ChunkMinDuration,
	}
}

// Segments transcribes audioPath, chunking it under workDir when needed, and returns the
// segments with times relative to the whole recording.
func (s *Service) Segments(ctx context.Context, audioPath, workDir string) ([]Segment, error) {
	if s.client == nil {
		return nil, &TranscriptionError{Stage: "configure", Cause: &config.ConfigurationError{Key: "OPENAI_API_KEY"}}
	}
	chunks, err := s.plan().Split(ctx, s.tool, audioPath, workDir)
	if err != nil {
		return nil, &TranscriptionError{Stage: "split", Cause: err}
	}
	if len(chunks) > 1 {
		slog.Info("audio split into chunks", "audio", audioPath, "chunks", len(chunks))
	}
	segs, err := transcribeChunks(ctx, s.client, chunks, s.cfg.ChunkConcurrency)
	if err != nil {
		return nil, &TranscriptionError{Stage: "transcribe", Cause: err}
	}
	return segs, nil
}

// Transcribe writes <outputDir>/<videoID>_transcript.txt and returns its content and path.
func (s *Service) Transcribe(ctx context.Context, audioPath, outputDir, videoID string) (*task.Transcript, error) {
	if s.cfg.TranscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TranscribeTimeout)
		defer cancel()
	}

	workDir := filepath.Join(outputDir, "chunks")
	defer os.RemoveAll(workDir)

	segs, err := s.Segments(ctx, audioPath, workDir)
	if err != nil {
		return nil, err
	}

	text := FormatTranscript(segs)
	path := filepath.Join(outputDir, videoID+"_transcript.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return nil, &TranscriptionError{Stage: "persist", Cause: err}
	}
	slog.Info("transcript saved", "path", path, "segments", len(segs))
	return &task.Transcript{Text: text, FilePath: path, Segments: len(segs)}, nil
}
