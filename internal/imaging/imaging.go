package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"
)

// MaxUploadBytes caps the raw size of an uploaded photo
const MaxUploadBytes = 10 << 20

// MaxDimension is the longest edge kept for stored photos
const MaxDimension = 1600

// JPEGQuality is used when re-encoding
const JPEGQuality = 85

// ErrUnsupportedFormat is returned for anything other than JPEG or PNG
var ErrUnsupportedFormat = errors.New("unsupported image format (only JPEG and PNG accepted)")

// ErrTooLarge is returned when the upload exceeds MaxUploadBytes
var ErrTooLarge = errors.New("image too large")

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Photo is an uploaded image ready for object storage
type Photo struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Prepare sniffs the real content type, shrinks the photo so neither edge
// exceeds MaxDimension and re-encodes it as JPEG.
func Prepare(r io.Reader) (*Photo, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image data: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return nil, ErrTooLarge
	}

	if !allowedMIME[http.DetectContentType(data)] {
		return nil, ErrUnsupportedFormat
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	img = fit(img, MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	b := img.Bounds()
	return &Photo{Data: buf.Bytes(), MIME: "image/jpeg", Width: b.Dx(), Height: b.Dy()}, nil
}

// fit scales img down, preserving aspect ratio, so both edges are <= maxDim
func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	var newW, newH int
	if w >= h {
		newW = maxDim
		newH = max(1, h*maxDim/w)
	} else {
		newH = maxDim
		newW = max(1, w*maxDim/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
