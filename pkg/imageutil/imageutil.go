// Package imageutil provides small image helpers: dimension probing,
// MIME sniffing and base64 encoding (used by the enhancer and validator
// when they embed images in gateway requests), and budget-aware
// downscaling, which neither of them currently calls.
package imageutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	errs "github.com/jordigilh/imageeditagent/pkg/shared/errors"
)

// Dimensions decodes just enough of data to report its width and height.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, errs.FailedTo("decode image dimensions", err)
	}
	return cfg.Width, cfg.Height, nil
}

// EncodeBase64 renders data as a data-URL-ready base64 string with the
// given MIME type, e.g. "image/png".
func EncodeBase64(data []byte, mimeType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// DecodeBase64 strips a data-URL prefix if present and decodes the
// remaining base64 payload.
func DecodeBase64(s string) ([]byte, error) {
	if idx := bytes.IndexByte([]byte(s), ','); idx >= 0 && bytes.HasPrefix([]byte(s), []byte("data:")) {
		s = s[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.FailedTo("decode base64 image", err)
	}
	return data, nil
}

// Downscale re-encodes data as JPEG at decreasing quality, halving the
// image's dimensions whenever no quality step fits, until it fits within
// maxBytes, or returns it unchanged if already small enough. PNG
// inputs under budget are returned untouched to avoid a lossy round trip
// when it isn't needed.
func Downscale(data []byte, maxBytes int) ([]byte, string, error) {
	if len(data) <= maxBytes {
		mimeType := "image/png"
		if _, format, err := image.Decode(bytes.NewReader(data)); err == nil && format == "jpeg" {
			mimeType = "image/jpeg"
		}
		return data, mimeType, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errs.FailedTo("decode image for downscale", err)
	}

	for {
		for quality := 85; quality >= 25; quality -= 15 {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return nil, "", errs.FailedTo("re-encode image", err)
			}
			if buf.Len() <= maxBytes {
				return buf.Bytes(), "image/jpeg", nil
			}
		}
		b := img.Bounds()
		if b.Dx() <= 1 && b.Dy() <= 1 {
			return nil, "", errs.FailedTo(fmt.Sprintf("downscale image under %d bytes", maxBytes), nil)
		}
		half := image.NewRGBA(image.Rect(0, 0, (b.Dx()+1)/2, (b.Dy()+1)/2))
		for y := 0; y < half.Bounds().Dy(); y++ {
			for x := 0; x < half.Bounds().Dx(); x++ {
				half.Set(x, y, img.At(b.Min.X+2*x, b.Min.Y+2*y))
			}
		}
		img = half
	}
}

// DetectMIMEType sniffs data's image format, defaulting to image/png when
// the format can't be determined.
func DetectMIMEType(data []byte) string {
	_, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "image/png"
	}
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

// unused import guard keeps the png decoder registered for Dimensions.
var _ = png.DecodeConfig
