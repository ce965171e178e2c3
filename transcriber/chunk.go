package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// shrinkFactor scales a chunk's duration down when its encoding exceeds the size ceiling.
const shrinkFactor = 0.9

// MediaTool measures and cuts audio files.
type MediaTool interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
	ExtractSpan(ctx context.Context, src, dst string, start, length time.Duration) error
}

// Chunk is a consecutive slice of the source recording.
type Chunk struct {
	Index  int
	Path   string
	Offset time.Duration
	Length time.Duration
}

// ChunkPlan bounds each chunk by duration and encoded size.
type ChunkPlan struct {
	Duration    time.Duration
	MaxSize     int64
	MinDuration time.Duration
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Split returns the source itself when it fits under MaxSize. Otherwise it cuts consecutive
// chunks of Duration into workDir; a chunk whose encoding is still too large is re-cut at
// 90% of its length until it fits or would drop below MinDuration.
func (p ChunkPlan) Split(ctx context.Context, tool MediaTool, src, workDir string) ([]Chunk, error) {
	size, err := fileSize(src)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	if size <= p.MaxSize {
		return []Chunk{{Index: 0, Path: src}}, nil
	}
	if tool == nil {
		return nil, fmt.Errorf("audio is %d bytes, over the %d byte limit, and no media tool is configured", size, p.MaxSize)
	}

	total, err := tool.Duration(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	var chunks []Chunk
	for offset := time.Duration(0); offset < total; {
		length := min(p.Duration, total-offset)
		path := filepath.Join(workDir, fmt.Sprintf("chunk_%03d.mp3", len(chunks)))
		for {
			if err := tool.ExtractSpan(ctx, src, path, offset, length); err != nil {
				return nil, err
			}
			chunkSize, err := fileSize(path)
			if err != nil {
				return nil, fmt.Errorf("stat chunk: %w", err)
			}
			if chunkSize <= p.MaxSize {
				break
			}
			next := time.Duration(float64(length) * shrinkFactor)
			if next < p.MinDuration {
				return nil, fmt.Errorf("chunk at %s is %d bytes even at %s; refusing to go below %s", offset, chunkSize, length, p.MinDuration)
			}
			slog.Debug("chunk over size limit, shrinking", "offset", offset, "from", length, "to", next, "size", chunkSize)
			length = next
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Path: path, Offset: offset, Length: length})
		offset += length
	}
	return chunks, nil
}

// transcribeChunks runs up to limit requests at once and reassembles segments by chunk index,
// shifting each segment by its chunk's offset.
func transcribeChunks(ctx context.Context, client SpeechClient, chunks []Chunk, limit int) ([]Segment, error) {
	results := make([][]Segment, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, c := range chunks {
		g.Go(func() error {
			resp, err := client.Transcribe(gctx, c.Path)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			offset := c.Offset.Seconds()
			segs := make([]Segment, len(resp.Segments))
			for i, s := range resp.Segments {
				segs[i] = Segment{Start: s.Start + offset, End: s.End + offset, Text: s.Text}
			}
			results[c.Index] = segs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Segment
	for _, segs := range results {
		merged = append(merged, segs...)
	}
	return merged, nil
}
