package twain

import (
	"fmt"
	"log"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

// Paper size codes (TWSS_*) for the sizes the protocol exposes.
var paperCodes = map[string]int{
	"A4":     1,
	"Letter": 3,
	"Legal":  4,
	"A5":     5,
}

func paperName(code int) (string, bool) {
	for name, c := range paperCodes {
		if c == code {
			return name, true
		}
	}
	return "", false
}

func pixelName(code int) (string, bool) {
	switch code {
	case PixelCodeBW:
		return scanner.PixelBW1, true
	case PixelCodeGray:
		return scanner.PixelGray8, true
	case PixelCodeRGB:
		return scanner.PixelRGB, true
	}
	return "", false
}

func pixelCode(name string) (int, bool) {
	switch name {
	case scanner.PixelBW1:
		return PixelCodeBW, true
	case scanner.PixelGray8:
		return PixelCodeGray, true
	case scanner.PixelRGB:
		return PixelCodeRGB, true
	}
	return 0, false
}

// querySnapshot interrogates the open source and builds the capability
// snapshot. Callers hold b.mu.
func (b *Backend) querySnapshot() ([]protocol.CapabilityInfo, error) {
	var dpiValues []int
	if vals, err := b.source.QueryCap(ICapXResolution); err == nil {
		for _, v := range vals.Supported {
			if n, ok := asInt(v); ok {
				dpiValues = append(dpiValues, n)
			}
		}
	}
	if len(dpiValues) == 0 {
		dpiValues = []int{100, 200, 300, 600}
	}

	var pixelTypes []string
	if vals, err := b.source.QueryCap(ICapPixelType); err == nil {
		for _, v := range vals.Supported {
			if code, ok := asInt(v); ok {
				if name, known := pixelName(code); known {
					pixelTypes = append(pixelTypes, name)
				}
			}
		}
	}
	if len(pixelTypes) == 0 {
		pixelTypes = []string{scanner.PixelRGB, scanner.PixelGray8, scanner.PixelBW1}
	}

	var paperSizes []string
	if vals, err := b.source.QueryCap(ICapSupportedSz); err == nil {
		for _, v := range vals.Supported {
			if code, ok := asInt(v); ok {
				if name, known := paperName(code); known {
					paperSizes = append(paperSizes, name)
				}
			}
		}
	}
	if len(paperSizes) == 0 {
		paperSizes = []string{"A4", "Letter", "Legal", "A5"}
	}

	supportsADF := false
	if _, err := b.source.QueryCap(CapFeederEnabled); err == nil {
		supportsADF = true
	}

	supportsDuplex := false
	if vals, err := b.source.QueryCap(CapDuplex); err == nil {
		if code, ok := asInt(vals.Current); ok && code != DuplexNone {
			supportsDuplex = true
		}
	}

	caps := scanner.BaselineCapabilities(scanner.CapabilityOptions{
		DPIValues:      dpiValues,
		PixelTypes:     pixelTypes,
		PaperSizes:     paperSizes,
		SupportsADF:    supportsADF,
		SupportsDuplex: supportsDuplex,
		SupportsShowUI: true,
	})

	caps = append(caps, protocol.CapabilityInfo{
		Key:             "a:duplexPass",
		Label:           "Duplex pass mode",
		Description:     "0 auto (prefer one-pass), 1 force one-pass, 2 force two-pass",
		Type:            protocol.CapTypeInt,
		IsReadable:      true,
		IsWritable:      true,
		Experimental:    true,
		SupportedValues: []any{0, 1, 2},
		CurrentValue:    b.duplexPass,
	})
	return caps, nil
}

// applySettings negotiates the canonical settings with the open source.
// Capabilities the device rejects are skipped; the driver keeps whatever it
// had. Callers hold b.mu.
func (b *Backend) applySettings(s protocol.ScanSettings) error {
	setSoft := func(cap Cap, value any, what string) {
		if err := b.source.SetCap(cap, value); err != nil {
			log.Printf("[TWAIN] device ignored %s=%v: %v", what, value, err)
		}
	}

	setSoft(ICapXResolution, s.DPI, "xresolution")
	setSoft(ICapYResolution, s.DPI, "yresolution")

	if code, ok := pixelCode(s.PixelType); ok {
		setSoft(ICapPixelType, code, "pixeltype")
	}

	if s.PaperSize != "" {
		if code, ok := paperCodes[s.PaperSize]; ok {
			setSoft(ICapSupportedSz, code, "papersize")
		} else {
			log.Printf("[TWAIN] unknown paper size %q, leaving device default", s.PaperSize)
		}
	}

	setSoft(CapFeederEnabled, s.UseADF, "feeder")

	if s.Duplex {
		if err := b.negotiateDuplex(); err != nil {
			log.Printf("[TWAIN] device ignored duplex: %v", err)
		}
	} else {
		setSoft(CapDuplexEnabled, false, "duplex")
	}

	// The vendor window owns the transfer count while it is showing;
	// pushing a cap underneath it locks some drivers into single-page
	// mode. Headless scans get the cap verbatim so maxPages=1 yields
	// exactly one page.
	if !s.ShowUI {
		setSoft(CapXferCount, s.MaxPages, "xfercount")
	}

	return nil
}

// negotiateDuplex enables duplex, preferring one-pass over two-pass when
// the device supports both so page order survives at the client. The
// experimental duplexPass override forces a specific pass mode.
func (b *Backend) negotiateDuplex() error {
	vals, err := b.source.QueryCap(CapDuplex)
	if err != nil {
		return fmt.Errorf("twain: device reports no duplex unit: %w", err)
	}

	mode, _ := asInt(vals.Current)
	supported := map[int]bool{mode: true}
	for _, v := range vals.Supported {
		if n, ok := asInt(v); ok {
			supported[n] = true
		}
	}

	want := b.duplexPass
	if want == 0 {
		switch {
		case supported[DuplexOnePass]:
			want = DuplexOnePass
		case supported[DuplexTwoPass]:
			want = DuplexTwoPass
		default:
			return fmt.Errorf("twain: device reports no duplex unit")
		}
	} else if !supported[want] {
		return fmt.Errorf("twain: device does not support pass mode %d", want)
	}

	if err := b.source.SetCap(CapDuplex, want); err != nil {
		log.Printf("[TWAIN] device ignored duplex pass mode %d: %v", want, err)
	}
	return b.source.SetCap(CapDuplexEnabled, true)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case uint16:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
