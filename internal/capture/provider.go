// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/relabs-tech/capture_guide/internal/steps"
)

// DefaultMinBytes is the smallest file accepted as a real image.
const DefaultMinBytes = 1024

// Image describes a captured image file.
type Image struct {
	Ref       string `json:"ref"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"size_bytes"`
}

// Provider takes one photo for a step. Failures wrap ErrCaptureFailed.
type Provider interface {
	Capture(ctx context.Context, step steps.ID) (Image, error)
}

// Inspect checks that path is a decodable image of at least minBytes and
// returns its metrics. Only the header is decoded.
func Inspect(path string, minBytes int64) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if info.Size() < minBytes {
		return Image{}, fmt.Errorf("%w: %s is %d bytes, want at least %d", ErrCaptureFailed, path, info.Size(), minBytes)
	}

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode %s: %v", ErrCaptureFailed, path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, fmt.Errorf("%w: %s image %s has no pixels", ErrCaptureFailed, format, path)
	}
	return Image{Ref: path, Width: cfg.Width, Height: cfg.Height, SizeBytes: info.Size()}, nil
}

func imagePath(dir string, step steps.ID, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", step, time.Now().UnixNano(), ext))
}

// CommandProvider runs an external still-capture program, such as
// "libcamera-still -n -o {path}", and inspects the file it writes.
type CommandProvider struct {
	Command  string
	Dir      string
	Ext      string
	MinBytes int64
}

// Capture runs the command for step.
func (p *CommandProvider) Capture(ctx context.Context, step steps.ID) (Image, error) {
	args := strings.Fields(p.Command)
	if len(args) == 0 {
		return Image{}, fmt.Errorf("%w: no capture command configured", ErrNoCamera)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	ext := p.Ext
	if ext == "" {
		ext = ".jpg"
	}
	path := imagePath(p.Dir, step, ext)
	for i, a := range args {
		args[i] = strings.ReplaceAll(a, "{path}", path)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		os.Remove(path)
		return Image{}, fmt.Errorf("%w: %s: %v: %s", ErrCaptureFailed, args[0], err, strings.TrimSpace(string(out)))
	}

	img, err := Inspect(path, p.MinBytes)
	if err != nil {
		os.Remove(path)
		return Image{}, err
	}
	return img, nil
}

// MockProvider renders a labelled test card instead of using a camera.
// FailNext makes the next calls fail, for exercising the retry path.
type MockProvider struct {
	Dir    string
	Width  int
	Height int
	Format string // png, bmp or tiff

	mu       sync.Mutex
	failNext int
	calls    int
}

// FailNext makes the next n captures fail.
func (p *MockProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Calls returns how many captures were attempted.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Capture writes a test card for step.
func (p *MockProvider) Capture(ctx context.Context, step steps.ID) (Image, error) {
	p.mu.Lock()
	p.calls++
	fail := p.failNext > 0
	if fail {
		p.failNext--
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if fail {
		return Image{}, fmt.Errorf("%w: mock camera busy", ErrCaptureFailed)
	}

	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	format := p.Format
	if format == "" {
		format = "png"
	}
	path := imagePath(p.Dir, step, "."+format)
	f, err := os.Create(path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	err = encodeCard(f, format, testCard(w, h, step))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Image{}, fmt.Errorf("%w: write %s: %v", ErrCaptureFailed, path, err)
	}

	img, err := Inspect(path, 1)
	if err != nil {
		os.Remove(path)
		return Image{}, err
	}
	log.Printf("capture: mock %s %dx%d for %v", format, img.Width, img.Height, step)
	return img, nil
}

func testCard(w, h int, step steps.ID) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 20),
	}
	d.DrawString(strings.ToUpper(step.String()))
	return img
}

func encodeCard(w io.Writer, format string, img image.Image) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, nil)
	default:
		return errors.New("unsupported mock format " + format)
	}
}
