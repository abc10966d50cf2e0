package scanner

import "github.com/WangShayne/ScanWithWeb/internal/protocol"

// The stable baseline capability keys every backend reports.
const (
	CapDPI       = "dpi"
	CapPixelType = "pixelType"
	CapPaperSize = "paperSize"
	CapUseADF    = "useAdf"
	CapDuplex    = "duplex"
	CapMaxPages  = "maxPages"
	CapShowUI    = "showUI"
)

// CapabilityOptions parameterize the baseline snapshot a backend exposes.
type CapabilityOptions struct {
	DPIValues  []int
	PixelTypes []string
	PaperSizes []string

	SupportsADF    bool
	SupportsDuplex bool
	SupportsShowUI bool
}

// BaselineCapabilities builds the baseline capability snapshot. Backends
// append their experimental, backend-qualified keys to the result.
func BaselineCapabilities(o CapabilityOptions) []protocol.CapabilityInfo {
	dpiValues := make([]any, 0, len(o.DPIValues))
	for _, v := range o.DPIValues {
		dpiValues = append(dpiValues, v)
	}
	pixelValues := make([]any, 0, len(o.PixelTypes))
	for _, v := range o.PixelTypes {
		pixelValues = append(pixelValues, v)
	}
	paperValues := make([]any, 0, len(o.PaperSizes))
	for _, v := range o.PaperSizes {
		paperValues = append(paperValues, v)
	}

	return []protocol.CapabilityInfo{
		{
			Key:             CapDPI,
			Label:           "Resolution (DPI)",
			Type:            protocol.CapTypeInt,
			IsReadable:      true,
			IsWritable:      true,
			SupportedValues: dpiValues,
		},
		{
			Key:             CapPixelType,
			Label:           "Color mode",
			Type:            protocol.CapTypeEnum,
			IsReadable:      true,
			IsWritable:      true,
			SupportedValues: pixelValues,
		},
		{
			Key:             CapPaperSize,
			Label:           "Paper size",
			Type:            protocol.CapTypeEnum,
			IsReadable:      true,
			IsWritable:      true,
			SupportedValues: paperValues,
		},
		{
			Key:        CapUseADF,
			Label:      "Use document feeder",
			Type:       protocol.CapTypeBool,
			IsReadable: true,
			IsWritable: o.SupportsADF,
		},
		{
			Key:        CapDuplex,
			Label:      "Duplex",
			Type:       protocol.CapTypeBool,
			IsReadable: true,
			IsWritable: o.SupportsDuplex,
		},
		{
			Key:         CapMaxPages,
			Label:       "Page limit",
			Description: "-1 scans until the feeder is empty",
			Type:        protocol.CapTypeInt,
			IsReadable:  true,
			IsWritable:  true,
		},
		{
			Key:        CapShowUI,
			Label:      "Show driver dialog",
			Type:       protocol.CapTypeBool,
			IsReadable: true,
			IsWritable: o.SupportsShowUI,
		},
	}
}
