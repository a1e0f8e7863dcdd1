package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxImageBytes bounds attachments and avatars.
const maxImageBytes = 20 << 20

// PermissionError reports a local image that cannot be used. It is returned
// before any network or storage call.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cannot use image %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

var errNotImage = errors.New("not an image")

// loadImageAttachment reads an image file and returns it as a data URL.
func loadImageAttachment(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &PermissionError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &PermissionError{Path: path, Err: err}
	}
	if info.IsDir() {
		return "", &PermissionError{Path: path, Err: errors.New("is a directory")}
	}
	if info.Size() > maxImageBytes {
		return "", &PermissionError{Path: path, Err: fmt.Errorf("larger than %d MB", maxImageBytes>>20)}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", &PermissionError{Path: path, Err: err}
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", &PermissionError{Path: path, Err: fmt.Errorf("%w (%s)", errNotImage, mime)}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// decodeDataURL splits a data:<mime>;base64,<data> URL.
func decodeDataURL(dataURL string) (string, []byte, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return "", nil, fmt.Errorf("unsupported data URL format")
	}
	semi := strings.Index(dataURL, ";")
	if semi == -1 {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	comma := strings.Index(dataURL[semi:], ",")
	if comma == -1 {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	decoded, err := base64.StdEncoding.DecodeString(dataURL[semi+comma+1:])
	if err != nil {
		return "", nil, fmt.Errorf("base64 decode error: %w", err)
	}
	return dataURL[5:semi], decoded, nil
}

// detectTerminalImageSupport reports whether the terminal understands the
// iTerm2 inline image protocol.
func detectTerminalImageSupport() bool {
	term := strings.ToLower(os.Getenv("TERM"))
	termProg := strings.ToLower(os.Getenv("TERM_PROGRAM"))

	switch {
	case os.Getenv("ITERM_SESSION_ID") != "" || strings.Contains(termProg, "iterm"):
		return true
	case strings.Contains(termProg, "wezterm") || strings.Contains(term, "wezterm"):
		return true
	case strings.Contains(term, "kitty"):
		return true
	case strings.Contains(termProg, "windowsterminal"):
		return true
	}
	// Konsole and the rest garble base64 payloads.
	return false
}

// displayImageInTerminal scales a data URL image to at most maxHeight pixels
// and writes it to w as an inline image.
func displayImageInTerminal(w io.Writer, dataURL string, maxHeight int) error {
	_, decoded, err := decodeDataURL(dataURL)
	if err != nil {
		return err
	}

	img, _, err := image.Decode(bytes.NewReader(decoded))
	if err != nil {
		return fmt.Errorf("image decode error: %w", err)
	}
	img = scaleToHeight(img, maxHeight)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("png encode error: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	// OSC 1337
	_, err = fmt.Fprintf(w, "\033]1337;File=name=%s;size=%d;inline=1:%s\a\n", "avatar.png", len(encoded), encoded)
	return err
}

// scaleToHeight resizes with nearest-neighbour sampling, preserving aspect.
func scaleToHeight(img image.Image, maxHeight int) image.Image {
	bounds := img.Bounds()
	height := bounds.Dy()
	if maxHeight <= 0 || height <= maxHeight {
		return img
	}
	width := bounds.Dx()
	newHeight := maxHeight
	newWidth := int(float64(newHeight) * float64(width) / float64(height))
	if newWidth < 1 {
		newWidth = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	for y := 0; y < newHeight; y++ {
		for x := 0; x < newWidth; x++ {
			sx := bounds.Min.X + x*width/newWidth
			sy := bounds.Min.Y + y*height/newHeight
			out.Set(x, y, img.At(sx, sy))
		}
	}
	return out
}
