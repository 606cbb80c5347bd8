// Package fetch runs the external downloader subprocess and parses its
// progress output.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/logging"
)

// Progress is one parsed progress line from the downloader.
type Progress struct {
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Speed           string
	ETA             string
}

// Info is the result of probing a URL without downloading.
type Info struct {
	Title    string `json:"title"`
	Ext      string `json:"ext"`
	Filesize int64  `json:"filesize,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Fetcher wraps the downloader binary (yt-dlp compatible).
type Fetcher struct {
	bin          string
	probeTimeout time.Duration
}

// New creates a Fetcher for the given binary.
func New(bin string, probeTimeout time.Duration) *Fetcher {
	return &Fetcher{bin: bin, probeTimeout: probeTimeout}
}

// Example: [download]  42.1% of 10.00MiB at 1.20MiB/s ETA 00:05
var progressRe = regexp.MustCompile(
	`\[download\]\s+([\d.]+)%\s+of\s+~?\s*([\d.]+)(B|KiB|MiB|GiB|TiB)\s+at\s+(\S+)\s+ETA\s+(\S+)`)

// parseProgress parses one downloader output line. ok is false for lines
// that are not progress reports.
func parseProgress(line string) (Progress, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	size, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Progress{}, false
	}

	total := int64(size * float64(byteUnit(m[3])))
	return Progress{
		Percent:         percent,
		DownloadedBytes: int64(float64(total) * percent / 100),
		TotalBytes:      total,
		Speed:           m[4],
		ETA:             m[5],
	}, true
}

func byteUnit(unit string) int64 {
	switch unit {
	case "KiB":
		return 1 << 10
	case "MiB":
		return 1 << 20
	case "GiB":
		return 1 << 30
	case "TiB":
		return 1 << 40
	default:
		return 1
	}
}

// Probe asks the downloader for URL metadata without downloading.
func (f *Fetcher) Probe(ctx context.Context, url string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.bin, "--dump-json", "--no-playlist", "--no-download", url)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w: %s", url, err, firstLine(stderr.String()))
	}

	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}
	return &info, nil
}

// Fetch downloads a URL into destDir and returns the path of the downloaded
// file. Progress events are sent on the channel as they are parsed; sends
// never block, a slow consumer just misses intermediate updates. The channel
// is closed before Fetch returns.
func (f *Fetcher) Fetch(ctx context.Context, url, destDir string, progress chan<- Progress) (string, error) {
	if progress != nil {
		defer close(progress)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create fetch dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.bin,
		"--newline",
		"--no-playlist",
		"--no-part",
		"-o", filepath.Join(destDir, "%(title)s.%(ext)s"),
		url)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe stdout: %w", err)
	}

	logging.Info("starting fetch", zap.String("url", url), zap.String("bin", f.bin))
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", f.bin, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p, ok := parseProgress(scanner.Text())
		if !ok || progress == nil {
			continue
		}
		select {
		case progress <- p:
		default:
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		return "", fmt.Errorf("fetch %s: %w: %s", url, err, firstLine(stderr.String()))
	}

	path, err := newestFile(destDir)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	return path, nil
}

// newestFile returns the most recently modified regular file in dir. The
// downloader decides the final filename, so the result is located by mtime.
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var (
		newest    string
		newestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("downloader exited cleanly but produced no file")
	}
	return newest, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
