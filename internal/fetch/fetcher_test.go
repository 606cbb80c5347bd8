package fetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		want Progress
	}{
		{
			name: "typical line",
			line: "[download]  42.1% of 10.00MiB at 1.20MiB/s ETA 00:05",
			ok:   true,
			want: Progress{Percent: 42.1, TotalBytes: 10 << 20, Speed: "1.20MiB/s", ETA: "00:05"},
		},
		{
			name: "estimated total",
			line: "[download]   5.0% of ~200.00KiB at 50.00KiB/s ETA 00:04",
			ok:   true,
			want: Progress{Percent: 5.0, TotalBytes: 200 << 10, Speed: "50.00KiB/s", ETA: "00:04"},
		},
		{
			name: "complete",
			line: "[download] 100.0% of 512.00B at 1.00KiB/s ETA 00:00",
			ok:   true,
			want: Progress{Percent: 100.0, TotalBytes: 512, Speed: "1.00KiB/s", ETA: "00:00"},
		},
		{
			name: "destination line",
			line: "[download] Destination: /tmp/video.mp4",
			ok:   false,
		},
		{
			name: "unrelated output",
			line: "[info] Downloading video thumbnail ...",
			ok:   false,
		},
		{
			name: "empty",
			line: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseProgress(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Percent != tt.want.Percent {
				t.Errorf("Percent = %v, want %v", got.Percent, tt.want.Percent)
			}
			if got.TotalBytes != tt.want.TotalBytes {
				t.Errorf("TotalBytes = %d, want %d", got.TotalBytes, tt.want.TotalBytes)
			}
			if got.Speed != tt.want.Speed {
				t.Errorf("Speed = %q, want %q", got.Speed, tt.want.Speed)
			}
			if got.ETA != tt.want.ETA {
				t.Errorf("ETA = %q, want %q", got.ETA, tt.want.ETA)
			}
		})
	}
}

func TestParseProgressDownloadedBytes(t *testing.T) {
	p, ok := parseProgress("[download]  50.0% of 1.00MiB at 2.00MiB/s ETA 00:01")
	if !ok {
		t.Fatal("line did not parse")
	}
	if p.DownloadedBytes != (1<<20)/2 {
		t.Errorf("DownloadedBytes = %d, want %d", p.DownloadedBytes, (1<<20)/2)
	}
}

func TestNewestFile(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "older.mp4")
	newer := filepath.Join(dir, "newer.mp4")
	if err := os.WriteFile(older, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := newestFile(dir)
	if err != nil {
		t.Fatalf("newestFile: %v", err)
	}
	if got != newer {
		t.Errorf("newestFile = %q, want %q", got, newer)
	}
}

func TestNewestFileEmptyDir(t *testing.T) {
	if _, err := newestFile(t.TempDir()); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestFetchMissingBinary(t *testing.T) {
	f := New("/nonexistent/downloader-binary", time.Second)
	progress := make(chan Progress, 1)

	_, err := f.Fetch(context.Background(), "https://example.com/v", t.TempDir(), progress)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}

	// Channel is closed even on failure.
	if _, open := <-progress; open {
		t.Error("progress channel left open after Fetch returned")
	}
}
