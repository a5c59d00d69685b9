package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register decoders for DecodeConfig.
	"image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

const payloadQuality = 90

// encodePayload returns the bytes to upload for an image. Images wider than
// maxWidth are downscaled with Lanczos3 and re-encoded as JPEG; anything
// else, including data the decoders do not understand, is sent unchanged so
// the service can make its own decision.
func encodePayload(data []byte, maxWidth int) ([]byte, string, error) {
	mimeType := http.DetectContentType(data)
	if maxWidth <= 0 {
		return data, mimeType, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= maxWidth {
		return data, mimeType, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode: %w", ErrUnreadable, err)
	}

	// Height 0 keeps the aspect ratio.
	resized := resize.Resize(uint(maxWidth), 0, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: payloadQuality}); err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}

	return buf.Bytes(), "image/jpeg", nil
}
