// Package snapshot writes received video frames to disk as images.
package snapshot

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/capture"
)

// Saver handles saving frames to disk.
//
// Converts BGRA frames to PNG, JPEG or BMP, optionally downscaled.
// Thread-safe: can be called from multiple goroutines.
type Saver struct {
	outputDir   string
	format      string
	jpegQuality int
	maxWidth    int

	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewSaver creates a saver writing into outputDir, creating it if needed.
//
// Format: "png", "jpeg" (or "jpg"), "bmp"
// JPEGQuality: 1-100 (only used for JPEG; 0 means 90)
// MaxWidth: frames wider than this are scaled down keeping aspect (0 = never)
func NewSaver(outputDir, format string, jpegQuality, maxWidth int) (*Saver, error) {
	format = strings.ToLower(format)
	if format == "jpg" {
		format = "jpeg"
	}
	switch format {
	case "png", "jpeg", "bmp":
	default:
		return nil, fmt.Errorf("unsupported format: %s (must be png, jpeg or bmp)", format)
	}
	if jpegQuality == 0 {
		jpegQuality = 90
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		return nil, fmt.Errorf("invalid JPEG quality %d (must be 1-100)", jpegQuality)
	}
	if maxWidth < 0 {
		return nil, fmt.Errorf("invalid max width %d", maxWidth)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Saver{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
		maxWidth:    maxWidth,
	}, nil
}

// Save writes frame and returns the file path.
//
// Filename format: {source}_{seq:06d}_{timestamp}.{ext}
// Example: STUDIO-PC_Camera_1_000042_20251105_234517.123.png
func (s *Saver) Save(frame *capture.VideoFrame) (string, error) {
	img, err := ToImage(frame)
	if err != nil {
		s.framesDropped.Add(1)
		return "", fmt.Errorf("BGRA conversion failed: %w", err)
	}
	var out image.Image = img
	if s.maxWidth > 0 && img.Rect.Dx() > s.maxWidth {
		out = Downscale(img, s.maxWidth)
	}

	ext := s.format
	if ext == "jpeg" {
		ext = "jpg"
	}
	filename := fmt.Sprintf("%s_%06d_%s.%s",
		safeName(frame.SourceName),
		frame.Seq,
		frame.ReceivedAt.Format("20060102_150405.000"),
		ext)
	path := filepath.Join(s.outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		s.framesDropped.Add(1)
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	switch s.format {
	case "png":
		err = png.Encode(file, out)
	case "jpeg":
		err = jpeg.Encode(file, out, &jpeg.Options{Quality: s.jpegQuality})
	case "bmp":
		err = bmp.Encode(file, out)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.framesDropped.Add(1)
		_ = os.Remove(path)
		return "", fmt.Errorf("%s encode failed: %w", s.format, err)
	}

	s.framesSaved.Add(1)
	return path, nil
}

// Stats returns current save statistics.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.framesSaved.Load(), s.framesDropped.Load()
}

// ToImage converts a top-down BGRA frame to image.RGBA, forcing alpha to
// opaque (senders often leave BGRX padding at zero).
func ToImage(frame *capture.VideoFrame) (*image.RGBA, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame")
	}
	stride := frame.Stride
	if stride == 0 {
		stride = frame.Width * 4
	}
	if stride < frame.Width*4 || len(frame.Data) < stride*(frame.Height-1)+frame.Width*4 {
		return nil, fmt.Errorf("invalid BGRA data size: got %d bytes for %dx%d stride %d",
			len(frame.Data), frame.Width, frame.Height, stride)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := frame.Data[y*stride : y*stride+frame.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+frame.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x+0] = src[x+2] // R
			dst[x+1] = src[x+1] // G
			dst[x+2] = src[x+0] // B
			dst[x+3] = 255      // A
		}
	}
	return img, nil
}

// Downscale returns img scaled to maxWidth, keeping the aspect ratio.
func Downscale(img image.Image, maxWidth int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	height := max(1, b.Dy()*maxWidth/b.Dx())
	out := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

func safeName(name string) string {
	if name == "" {
		return "frame"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
