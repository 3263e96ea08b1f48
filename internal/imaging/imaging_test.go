package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPrepareSmallImageKeepsSize(t *testing.T) {
	photo, err := Prepare(bytes.NewReader(encodePNG(t, 100, 50)))
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", photo.MIME)
	assert.Equal(t, 100, photo.Width)
	assert.Equal(t, 50, photo.Height)

	_, format, err := image.Decode(bytes.NewReader(photo.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestPrepareDownscalesLargeImage(t *testing.T) {
	photo, err := Prepare(bytes.NewReader(encodePNG(t, 3200, 800)))
	require.NoError(t, err)

	assert.Equal(t, MaxDimension, photo.Width)
	assert.Equal(t, 400, photo.Height)
}

func TestPrepareDownscalesPortrait(t *testing.T) {
	photo, err := Prepare(bytes.NewReader(encodePNG(t, 400, 3200)))
	require.NoError(t, err)

	assert.Equal(t, 200, photo.Width)
	assert.Equal(t, MaxDimension, photo.Height)
}

func TestPrepareRejectsNonImage(t *testing.T) {
	_, err := Prepare(strings.NewReader("definitely not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPrepareRejectsOversized(t *testing.T) {
	_, err := Prepare(bytes.NewReader(make([]byte, MaxUploadBytes+1)))
	assert.ErrorIs(t, err, ErrTooLarge)
}
