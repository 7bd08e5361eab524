package backend

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/conversation"
)

func pngFixture(t *testing.T) conversation.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{B: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return conversation.Image{
		Base64:    base64.StdEncoding.EncodeToString(buf.Bytes()),
		MediaType: "image/png",
	}
}

func TestReencodeImage_PNGToWebP(t *testing.T) {
	out, err := ReencodeImage(pngFixture(t), MediaTypeWebP)
	require.NoError(t, err)
	assert.Equal(t, MediaTypeWebP, out.MediaType)

	raw, err := base64.StdEncoding.DecodeString(out.Base64)
	require.NoError(t, err)
	require.Greater(t, len(raw), 12)
	assert.Equal(t, "RIFF", string(raw[:4]))
	assert.Equal(t, "WEBP", string(raw[8:12]))
}

func TestReencodeImage_WebPToPNG(t *testing.T) {
	webpImg, err := ReencodeImage(pngFixture(t), MediaTypeWebP)
	require.NoError(t, err)

	out, err := ReencodeImage(webpImg, MediaTypePNG)
	require.NoError(t, err)
	assert.Equal(t, MediaTypePNG, out.MediaType)

	raw, err := base64.StdEncoding.DecodeString(out.Base64)
	require.NoError(t, err)
	decoded, format, err := image.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 2, 2), decoded.Bounds())
}

func TestReencodeImage_SameTypePassesThrough(t *testing.T) {
	in := pngFixture(t)
	out, err := ReencodeImage(in, MediaTypePNG)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReencodeImage_RejectsBadPayload(t *testing.T) {
	_, err := ReencodeImage(conversation.Image{Base64: "!!!", MediaType: "image/jpeg"}, MediaTypePNG)
	assert.Error(t, err)

	garbage := base64.StdEncoding.EncodeToString([]byte("not an image"))
	_, err = ReencodeImage(conversation.Image{Base64: garbage, MediaType: "image/jpeg"}, MediaTypePNG)
	assert.Error(t, err)

	_, err = ReencodeImage(pngFixture(t), "image/tiff")
	assert.Error(t, err)
}
