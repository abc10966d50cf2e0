package scanner

import (
	"fmt"
	"strings"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
)

// Canonical pixel types, stored uppercase.
const (
	PixelRGB   = "RGB"
	PixelGray8 = "GRAY8"
	PixelBW1   = "BW1"
)

// pixelAliases maps the spellings clients send to canonical pixel types.
// Matching is case-insensitive.
var pixelAliases = map[string]string{
	"rgb":     PixelRGB,
	"color":   PixelRGB,
	"colour":  PixelRGB,
	"gray":    PixelGray8,
	"gray8":   PixelGray8,
	"grey":    PixelGray8,
	"grey8":   PixelGray8,
	"bw":      PixelBW1,
	"bw1":     PixelBW1,
	"bitonal": PixelBW1,
	"lineart": PixelBW1,
	"mono":    PixelBW1,
}

// CanonicalPixelType resolves a client-supplied pixel type. Unknown values
// return an error naming the input.
func CanonicalPixelType(value string) (string, error) {
	if canon, ok := pixelAliases[strings.ToLower(strings.TrimSpace(value))]; ok {
		return canon, nil
	}
	return "", fmt.Errorf("scanner: unsupported pixelType %q", value)
}

// Normalize validates a settings block and rewrites it into canonical form.
func Normalize(s protocol.ScanSettings) (protocol.ScanSettings, error) {
	if s.DPI <= 0 {
		return s, fmt.Errorf("scanner: dpi must be positive, got %d", s.DPI)
	}
	if s.MaxPages == 0 || s.MaxPages < -1 {
		return s, fmt.Errorf("scanner: maxPages must be -1 or positive, got %d", s.MaxPages)
	}

	pixel, err := CanonicalPixelType(s.PixelType)
	if err != nil {
		return s, err
	}
	s.PixelType = pixel
	s.PaperSize = strings.TrimSpace(s.PaperSize)
	return s, nil
}

// MatchSupported matches value case-insensitively against a supported list
// and returns the list's spelling. The boolean reports whether it matched.
func MatchSupported(value string, supported []string) (string, bool) {
	for _, s := range supported {
		if strings.EqualFold(s, value) {
			return s, true
		}
	}
	return "", false
}
