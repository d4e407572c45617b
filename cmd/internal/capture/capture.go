// Package capture takes screenshots for the agent and encodes them as PNG.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ErrCapture wraps every failure to produce an image.
var ErrCapture = errors.New("capture failed")

// Capturer produces a PNG of the screen, cropped to region when it is non-nil.
type Capturer interface {
	Capture(ctx context.Context, region *Region) ([]byte, error)
}

// FilePlaceholder is replaced with the output path in capture commands.
const FilePlaceholder = "{file}"

const defaultCommandTimeout = 15 * time.Second

// CommandCapturer shells out to a platform screenshot tool that writes a PNG to a file.
type CommandCapturer struct {
	log     *slog.Logger
	argv    []string
	timeout time.Duration
}

// DefaultCommand picks a screenshot command for the current platform.
func DefaultCommand() []string {
	switch {
	case runtime.GOOS == "darwin":
		return []string{"screencapture", "-x", FilePlaceholder}
	case os.Getenv("WAYLAND_DISPLAY") != "":
		return []string{"grim", FilePlaceholder}
	default:
		return []string{"import", "-window", "root", FilePlaceholder}
	}
}

// NewCommandCapturer builds a capturer from a command line. An empty command uses DefaultCommand.
// The command must contain the {file} placeholder.
func NewCommandCapturer(log *slog.Logger, command string) (*CommandCapturer, error) {
	if log == nil {
		log = slog.Default()
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		argv = DefaultCommand()
	}
	if !strings.Contains(strings.Join(argv, " "), FilePlaceholder) {
		return nil, fmt.Errorf("capture command %q must contain %s", command, FilePlaceholder)
	}
	return &CommandCapturer{log: log, argv: argv, timeout: defaultCommandTimeout}, nil
}

// Command returns the argv template.
func (c *CommandCapturer) Command() []string {
	return append([]string(nil), c.argv...)
}

// Capture implements Capturer.
func (c *CommandCapturer) Capture(ctx context.Context, region *Region) ([]byte, error) {
	dir, err := os.MkdirTemp("", "screenrelay-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrCapture, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	out := filepath.Join(dir, "screen.png")
	argv := make([]string, len(c.argv))
	for i, a := range c.argv {
		argv[i] = strings.ReplaceAll(a, FilePlaceholder, out)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrCapture, argv[0], err, strings.TrimSpace(string(combined)))
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrCapture, err)
	}
	c.log.Debug("capture.command.done", "cmd", argv[0], "bytes", len(raw), "duration_ms", time.Since(start).Milliseconds())

	if region == nil {
		return raw, nil
	}
	return Crop(raw, *region)
}

// Crop decodes a PNG, cuts region out of it and re-encodes the result as PNG.
// The region is clamped to the image bounds; a region fully outside the image is an error.
func Crop(raw []byte, region Region) ([]byte, error) {
	if err := region.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCapture, err)
	}

	rect := region.Rect().Add(img.Bounds().Min).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("%w: region %s outside image %v", ErrCapture, region, img.Bounds())
	}

	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("%w: image type %T cannot be cropped", ErrCapture, img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCapture, err)
	}
	return buf.Bytes(), nil
}

// Func adapts a function to Capturer.
type Func func(ctx context.Context, region *Region) ([]byte, error)

// Capture implements Capturer.
func (f Func) Capture(ctx context.Context, region *Region) ([]byte, error) {
	return f(ctx, region)
}
