package thumbs

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), "src.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestGenerate(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	src := writePNG(t, 800, 600)
	thumbPath, width, height, err := g.Generate(src, "photo_ab12cd34.png")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if width != 800 || height != 600 {
		t.Errorf("original dimensions = %dx%d, want 800x600", width, height)
	}
	if !strings.HasSuffix(thumbPath, "photo_ab12cd34_thumb.jpg") {
		t.Errorf("thumbnail path = %q, want *_thumb.jpg", thumbPath)
	}

	f, err := os.Open(thumbPath)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer f.Close()
	thumb, format, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("thumbnail format = %s, want jpeg", format)
	}

	b := thumb.Bounds()
	if b.Dx() > MaxSize || b.Dy() > MaxSize {
		t.Errorf("thumbnail = %dx%d, exceeds max %d", b.Dx(), b.Dy(), MaxSize)
	}
	// Aspect ratio preserved: 800x600 fits to 400x300.
	if b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("thumbnail = %dx%d, want 400x300", b.Dx(), b.Dy())
	}
}

func TestGenerateSmallImageNotUpscaled(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	src := writePNG(t, 100, 50)
	thumbPath, width, height, err := g.Generate(src, "tiny.png")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if width != 100 || height != 50 {
		t.Errorf("original dimensions = %dx%d, want 100x50", width, height)
	}

	f, err := os.Open(thumbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width > 100 || cfg.Height > 50 {
		t.Errorf("thumbnail = %dx%d, small image was upscaled", cfg.Width, cfg.Height)
	}
}

func TestGenerateNonImage(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	src := filepath.Join(t.TempDir(), "not-an-image.png")
	if err := os.WriteFile(src, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := g.Generate(src, "not-an-image.png"); err == nil {
		t.Error("expected decode error for non-image input")
	}
}

func TestIsImage(t *testing.T) {
	for mime, want := range map[string]bool{
		"image/jpeg":      true,
		"image/png":       true,
		"image/gif":       true,
		"video/mp4":       false,
		"application/pdf": false,
		"":                false,
	} {
		if got := IsImage(mime); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", mime, got, want)
		}
	}
}
