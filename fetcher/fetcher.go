// Package fetcher resolves a short-form video's identity and downloads its audio track
// by driving the yt-dlp binary.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"clipscribe/config"
	"clipscribe/ffmpeg"
	"clipscribe/task"

	"github.com/tidwall/gjson"
)

// DownloadError is returned once every retrieval strategy has been exhausted.
type DownloadError struct {
	Reason   string
	Attempts int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("All download attempts failed (%d tried). Last error: %s", e.Attempts, e.Reason)
}

// Fetcher implements task.Fetcher on top of yt-dlp.
type Fetcher struct {
	cfg       *config.Config
	runner    ffmpeg.CommandRunner
	extraArgs []string
	cookies   string
	now       func() time.Time
	// resources guards a download against an overloaded host.
	resources func(dir string) error
}

func New(cfg *config.Config, runner ffmpeg.CommandRunner) (*Fetcher, error) {
	extra, err := ffmpeg.ExtraArgs(cfg.YTDLPExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("YTDLP_EXTRA_ARGS: %w", err)
	}
	if runner == nil {
		runner = ffmpeg.OSRunner{}
	}
	f := &Fetcher{
		cfg:       cfg,
		runner:    runner,
		extraArgs: extra,
		now:       time.Now,
		resources: func(dir string) error { return ffmpeg.CheckResources(cfg, dir) },
	}
	if cfg.CookieFile != "" {
		if fileExists(cfg.CookieFile) {
			f.cookies = cfg.CookieFile
			slog.Info("using cookie file", "path", cfg.CookieFile)
		} else {
			slog.Warn("cookie file not found, proceeding without cookies", "path", cfg.CookieFile)
		}
	}
	return f, nil
}

// commonArgs are passed to every yt-dlp invocation, probe and download alike.
func (f *Fetcher) commonArgs(userAgent, proxy string) []string {
	args := []string{"--no-playlist", "--no-warnings", "--user-agent", userAgent}
	for _, h := range browserHeaders {
		args = append(args, "--add-header", h)
	}
	if f.cfg.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(f.cfg.SocketTimeout.Seconds())))
	}
	args = append(args, "--retries", strconv.Itoa(f.cfg.Retries))
	if f.cookies != "" {
		args = append(args, "--cookies", f.cookies)
	}
	if proxy == "" {
		proxy = f.cfg.Proxy
	}
	if proxy != "" {
		args = append(args, "--proxy", proxy)
	}
	return append(args, f.extraArgs...)
}

// Probe resolves identity with a metadata-only request. On failure it returns the identity
// derived from the URL together with an *IdentityError.
func (f *Fetcher) Probe(ctx context.Context, sourceURL, userAgent, proxy string) (Identity, error) {
	args := append([]string{"--dump-single-json", "--skip-download"}, f.commonArgs(userAgent, proxy)...)
	args = append(args, sourceURL)

	fallback := IdentityFromURL(sourceURL, f.now())
	out, err := f.runner.Run(ctx, f.cfg.YTDLPBin, args...)
	if err != nil {
		return fallback, &IdentityError{URL: sourceURL, Err: err}
	}
	if !gjson.ValidBytes(out) {
		return fallback, &IdentityError{URL: sourceURL, Err: errors.New("probe output is not JSON")}
	}
	info := gjson.ParseBytes(out)
	videoID := info.Get("id").String()
	if videoID == "" {
		return fallback, &IdentityError{URL: sourceURL, Err: errors.New("probe returned no id")}
	}

	id := Identity{VideoID: videoID, Resolved: true, Username: unknownUser}
	for _, key := range []string{"uploader_id", "uploader"} {
		if v := info.Get(key).String(); v != "" {
			id.Username = v
			break
		}
	}
	if id.Username == unknownUser && fallback.Username != unknownUser {
		id.Username = fallback.Username
	}
	id.Title = info.Get("title").String()
	if id.Title == "" {
		id.Title = defaultTitle(id.Username, id.VideoID)
	}
	return id, nil
}

func (f *Fetcher) delay(ctx context.Context) error {
	if f.cfg.ProbeDelayMax <= 0 {
		return nil
	}
	d := rand.N(f.cfg.ProbeDelayMax)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Fetch probes the source, then tries the primary URL and each configured alternate until
// <outputDir>/<video_id>.mp3 exists. On failure the returned Media still carries the identity.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, outputDir, proxy string) (*task.Media, error) {
	logger := slog.With("url", sourceURL)

	if err := f.resources(outputDir); err != nil {
		return nil, &DownloadError{Reason: fmt.Sprintf("insufficient system resources: %v", err)}
	}
	if err := f.delay(ctx); err != nil {
		return nil, &DownloadError{Reason: err.Error()}
	}

	ua := randomUserAgent()
	id, err := f.Probe(ctx, sourceURL, ua, proxy)
	if err != nil {
		logger.Warn("identity probe failed, using best-effort identity", "error", err, "video_id", id.VideoID)
	}

	media := &task.Media{
		VideoID:   id.VideoID,
		Title:     id.Title,
		Username:  id.Username,
		AudioPath: filepath.Join(outputDir, id.VideoID+task.AudioExt),
	}

	candidates := append([]string{sourceURL}, expandAlternates(f.cfg.AlternateURLs, id)...)
	var lastErr error
	attempts := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++
		logger.Info("download attempt", "attempt", attempts, "candidate", candidate, "video_id", id.VideoID)
		err := f.download(ctx, candidate, outputDir, id.VideoID, ua, proxy)
		if fileExists(media.AudioPath) {
			if err != nil {
				logger.Warn("downloader reported an error but audio is present", "error", err)
			}
			f.collectSidecars(media, outputDir)
			return media, nil
		}
		if err == nil {
			err = errors.New("download finished but audio file not found")
		}
		logger.Warn("download attempt failed", "candidate", candidate, "error", err)
		lastErr = err
	}
	return media, &DownloadError{Reason: lastErr.Error(), Attempts: attempts}
}

func (f *Fetcher) download(ctx context.Context, candidate, outputDir, videoID, userAgent, proxy string) error {
	args := []string{
		"-f", "bestaudio/best",
		"-x", "--audio-format", "mp3", "--audio-quality", "192K",
		"-o", filepath.Join(outputDir, videoID+".%(ext)s"),
		"--write-info-json", "--write-thumbnail",
	}
	args = append(args, f.commonArgs(userAgent, proxy)...)
	args = append(args, candidate)
	_, err := f.runner.Run(ctx, f.cfg.YTDLPBin, args...)
	return err
}

// collectSidecars records the metadata document and thumbnail written next to the audio.
func (f *Fetcher) collectSidecars(media *task.Media, outputDir string) {
	infoPath := filepath.Join(outputDir, media.VideoID+".info.json")
	if doc, err := os.ReadFile(infoPath); err == nil {
		media.MetadataPath = infoPath
		media.ThumbnailURL = ThumbnailURL(doc)
	}
	media.ThumbnailPath = thumbnailFile(outputDir, media.VideoID)
}
