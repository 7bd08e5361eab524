package backend

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/HugoSmits86/nativewebp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/parlorhq/parlor/internal/conversation"
)

// Media types the backends accept for image input.
const (
	MediaTypeWebP = "image/webp"
	MediaTypePNG  = "image/png"
)

// ReencodeImage converts the payload to the target media type. Payloads
// already in the target format pass through untouched.
func ReencodeImage(img conversation.Image, mediaType string) (conversation.Image, error) {
	if img.MediaType == mediaType {
		return img, nil
	}

	raw, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		return conversation.Image{}, fmt.Errorf("failed to decode image payload: %w", err)
	}
	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return conversation.Image{}, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	switch mediaType {
	case MediaTypeWebP:
		err = nativewebp.Encode(&buf, decoded, nil)
	case MediaTypePNG:
		err = png.Encode(&buf, decoded)
	default:
		return conversation.Image{}, fmt.Errorf("unsupported target media type %q", mediaType)
	}
	if err != nil {
		return conversation.Image{}, fmt.Errorf("failed to encode image as %s: %w", mediaType, err)
	}

	return conversation.Image{
		Base64:    base64.StdEncoding.EncodeToString(buf.Bytes()),
		MediaType: mediaType,
	}, nil
}
