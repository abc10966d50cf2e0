// Package imaging holds the size-adaptive page recompressor. Raw driver
// transfers arrive as uncompressed or lightly compressed bitmaps; anything
// at or above the threshold is re-encoded as JPEG before it is framed onto
// the text channel.
package imaging

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"

	// Decoders for the formats scanner drivers actually hand over.
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

const (
	// DefaultThreshold is the payload size at which recompression kicks in.
	DefaultThreshold = 5 << 20 // 5 MiB

	// DefaultQuality is the JPEG quality used when re-encoding.
	DefaultQuality = 85
)

// Recompressor re-encodes oversized pages. It is stateless and safe for
// concurrent use.
type Recompressor struct {
	Threshold int
	Quality   int
}

// NewRecompressor returns a recompressor with the default threshold and quality.
func NewRecompressor() *Recompressor {
	return &Recompressor{Threshold: DefaultThreshold, Quality: DefaultQuality}
}

// Recompress returns the page bytes to frame and the format tag they carry.
// Pages under the threshold pass through untouched. Decode or encode
// failures are non-fatal: the original bytes and format are returned.
func (r *Recompressor) Recompress(data []byte, format string) ([]byte, string) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(data) < threshold {
		return data, format
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Printf("[Recompressor] decode failed for %d-byte %s page, passing through: %v", len(data), format, err)
		return data, format
	}

	quality := r.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		log.Printf("[Recompressor] jpeg encode failed, passing through: %v", err)
		return data, format
	}

	log.Printf("[Recompressor] %s page recompressed %d → %d bytes", format, len(data), buf.Len())
	return buf.Bytes(), "jpg"
}
