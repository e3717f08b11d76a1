package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	// Register decoders for the formats users typically upload.
	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

const (
	// MaxDimension is the longest edge an image is downscaled to before
	// being sent to the model. Keeps inline payloads bounded.
	MaxDimension = 800
	// JPEGQuality is the lossy re-encode quality for downscaled images.
	JPEGQuality = 60
)

const dataURIPrefix = "data:"

// Encode converts raw media bytes into the inline data-URI representation.
// Images are downscaled and re-encoded as JPEG to bound payload size; if the
// downscale path fails for any reason the original bytes are encoded
// unmodified, since compression is an optimization rather than a requirement.
// Non-image media (video) is passed through as-is.
func Encode(data []byte, mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") && mimeType != "image/svg+xml" {
		if compressed, err := downscaleJPEG(data); err == nil {
			return buildDataURI("image/jpeg", compressed)
		} else {
			log.Debug().Err(err).Str("mime", mimeType).Msg("image downscale failed, using original bytes")
		}
	}
	return buildDataURI(mimeType, data)
}

// Decode splits an inline data URI into its mime type and raw payload.
func Decode(dataURI string) (string, []byte, error) {
	if !strings.HasPrefix(dataURI, dataURIPrefix) {
		return "", nil, fmt.Errorf("not a data URI")
	}
	rest := dataURI[len(dataURIPrefix):]
	semi := strings.Index(rest, ";base64,")
	if semi == -1 {
		return "", nil, fmt.Errorf("missing base64 marker in data URI")
	}
	mimeType := rest[:semi]
	payload, err := base64.StdEncoding.DecodeString(rest[semi+len(";base64,"):])
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URI payload: %w", err)
	}
	return mimeType, payload, nil
}

// MIMEType returns the mime type of an inline data URI, or "" if the string
// is not one.
func MIMEType(dataURI string) string {
	if !strings.HasPrefix(dataURI, dataURIPrefix) {
		return ""
	}
	rest := dataURI[len(dataURIPrefix):]
	if semi := strings.Index(rest, ";"); semi != -1 {
		return rest[:semi]
	}
	return ""
}

// IsVectorPlaceholder reports whether the data URI holds an SVG placeholder.
// Vector placeholders are not valid model input and must never be sent as
// inline binary media.
func IsVectorPlaceholder(dataURI string) bool {
	return MIMEType(dataURI) == "image/svg+xml"
}

// IsImage reports whether the data URI holds a raster image.
func IsImage(dataURI string) bool {
	m := MIMEType(dataURI)
	return strings.HasPrefix(m, "image/") && m != "image/svg+xml"
}

func buildDataURI(mimeType string, data []byte) string {
	return dataURIPrefix + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// downscaleJPEG re-renders the image with the longer edge capped at
// MaxDimension and re-encodes it at JPEGQuality. Images already within bounds
// are re-encoded without scaling. Never upscales.
func downscaleJPEG(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > MaxDimension || h > MaxDimension {
		scale := float64(MaxDimension) / float64(max(w, h))
		nw := max(int(float64(w)*scale), 1)
		nh := max(int(float64(h)*scale), 1)
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
