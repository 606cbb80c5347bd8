// Package thumbs generates JPEG thumbnails for image files.
package thumbs

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	_ "image/gif"
	_ "image/png"
)

const (
	MaxSize = 400
	Quality = 80
)

// Generator writes thumbnails under a fixed directory.
type Generator struct {
	dir string
}

// NewGenerator creates a thumbnail generator rooted at dir.
func NewGenerator(dir string) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail dir %s: %w", dir, err)
	}
	return &Generator{dir: dir}, nil
}

// IsImage reports whether a MIME type is a thumbnailable image.
func IsImage(mimeType string) bool {
	switch mimeType {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}

// Generate creates a thumbnail for the image at srcPath and returns the
// thumbnail path plus the original image dimensions. The thumbnail is JPEG
// regardless of the source format.
func (g *Generator) Generate(srcPath, storedName string) (thumbPath string, width, height int, err error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, 0, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	orientation := readOrientation(f)
	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, 0, fmt.Errorf("rewind image: %w", err)
	}

	img, _, err := image.Decode(f)
	if err != nil {
		return "", 0, 0, fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation)
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	thumb := imaging.Fit(img, MaxSize, MaxSize, imaging.Lanczos)

	base := strings.TrimSuffix(storedName, filepath.Ext(storedName))
	thumbPath = filepath.Join(g.dir, base+"_thumb.jpg")
	out, err := os.Create(thumbPath)
	if err != nil {
		return "", 0, 0, fmt.Errorf("create thumbnail: %w", err)
	}
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: Quality}); err != nil {
		out.Close()
		os.Remove(thumbPath)
		return "", 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(thumbPath)
		return "", 0, 0, fmt.Errorf("close thumbnail: %w", err)
	}

	return thumbPath, width, height, nil
}

// readOrientation extracts the EXIF orientation tag, defaulting to 1
// (upright) when absent or unreadable.
func readOrientation(f *os.File) int {
	x, err := exif.Decode(f)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
