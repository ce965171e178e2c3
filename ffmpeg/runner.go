package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"clipscribe/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/tidwall/gjson"
)

// CommandRunner executes an external binary and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// ExecError carries the tail of stderr from a failed process.
type ExecError struct {
	Bin    string
	Stderr string
	Err    error
}

// Error reports the last non-empty stderr line so the message stays on one line.
func (e *ExecError) Error() string {
	msg := lastLine(e.Stderr)
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	if msg == "" {
		return fmt.Sprintf("%s failed: %v", e.Bin, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Bin, e.Err, msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// OSRunner runs binaries with exec.CommandContext.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("executing", "bin", bin, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ExecError{Bin: bin, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// LookupBinaries reports the first binary that is not executable or not in PATH.
func LookupBinaries(bins ...string) error {
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			return fmt.Errorf("binary not found or not in PATH: %s", b)
		}
	}
	return nil
}

// Tool probes and cuts audio files with ffprobe and ffmpeg.
type Tool struct {
	cfg    *config.Config
	runner CommandRunner
}

func NewTool(cfg *config.Config, runner CommandRunner) *Tool {
	if runner == nil {
		runner = OSRunner{}
	}
	return &Tool{cfg: cfg, runner: runner}
}

func (t *Tool) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.FFTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.FFTimeout)
}

// Duration returns the container duration reported by ffprobe.
func (t *Tool) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	out, err := t.runner.Run(ctx, t.cfg.FFProbeBin,
		"-v", "error", "-show_entries", "format=duration", "-of", "json", path)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	raw := gjson.GetBytes(out, "format.duration")
	if !raw.Exists() {
		return 0, fmt.Errorf("probe %s: no duration in ffprobe output", path)
	}
	secs, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: parse duration %q: %w", path, raw.String(), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ExtractSpan re-encodes [start, start+length) of src into dst as 192k MP3.
func (t *Tool) ExtractSpan(ctx context.Context, src, dst string, start, length time.Duration) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	_, err := t.runner.Run(ctx, t.cfg.FFBin,
		"-y", "-v", "error",
		"-ss", seconds(start),
		"-t", seconds(length),
		"-i", src,
		"-vn", "-acodec", "libmp3lame", "-b:a", "192k",
		dst,
	)
	if err != nil {
		return fmt.Errorf("extract %s [%s +%s]: %w", src, start, length, err)
	}
	return nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// CheckResources verifies that the system has enough free resources to start a new job.
// A zero threshold disables that check.
func CheckResources(cfg *config.Config, dir string) error {
	if cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			slog.Warn("could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], cfg.ThrottleCPU)
		}
	}

	if cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			slog.Warn("could not get memory usage", "error", err)
		} else if vm.Available < uint64(cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, cfg.ThrottleFreeMem)
		}
	}

	if cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			slog.Warn("could not get disk usage", "dir", dir, "error", err)
		} else if d.Free < uint64(cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
