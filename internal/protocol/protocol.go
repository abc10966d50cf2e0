package protocol

import "time"

// Actions accepted over the wire.
const (
	ActionAuthenticate          = "authenticate"
	ActionPing                  = "ping"
	ActionListScanners          = "list_scanners"
	ActionSelectScanner         = "select_scanner"
	ActionGetCapabilities       = "get_capabilities"
	ActionGetDeviceCapabilities = "get_device_capabilities"
	ActionApplyDeviceSettings   = "apply_device_settings"
	ActionScan                  = "scan"
	ActionStopScan              = "stop_scan"

	// ActionPong is the action tag echoed in ping responses.
	ActionPong = "pong"
)

// Response statuses.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusScanning  = "scanning"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Error codes carried in error envelopes.
const (
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrInvalidToken        = "INVALID_TOKEN"
	ErrTokenExpired        = "TOKEN_EXPIRED"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrScannerNotFound     = "SCANNER_NOT_FOUND"
	ErrScannerBusy         = "SCANNER_BUSY"
	ErrScanFailed          = "SCAN_FAILED"
	ErrNoScannersAvailable = "NO_SCANNERS_AVAILABLE"
	ErrInternalError       = "INTERNAL_ERROR"
)

// LegacyWakeFrame is the bare text payload old tray clients send to wake the
// desktop UI. It bypasses authentication and receives no response.
const LegacyWakeFrame = "1100"

// Request is a decoded client frame.
type Request struct {
	Action    string         `json:"action"`
	RequestID string         `json:"requestId"`
	Token     string         `json:"token,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Settings  *ScanSettings  `json:"settings,omitempty"`
	Patch     *SettingsPatch `json:"patch,omitempty"`
	Advanced  map[string]any `json:"advanced,omitempty"`
}

// Response is the outbound envelope. Action-specific fields are omitted when
// empty so every frame stays minimal.
type Response struct {
	Status    string    `json:"status"`
	Action    string    `json:"action"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`

	// authenticate
	Token         string `json:"token,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`

	// list_scanners / get_capabilities
	Scanners []DeviceInfo `json:"scanners,omitempty"`

	// get_device_capabilities / apply_device_settings
	ScannerID    string           `json:"scannerId,omitempty"`
	Protocol     string           `json:"protocol,omitempty"`
	Capabilities []CapabilityInfo `json:"capabilities,omitempty"`
	Results      []FieldResult    `json:"results,omitempty"`

	// scan stream
	Metadata   *PageMetadata `json:"metadata,omitempty"`
	Data       string        `json:"data,omitempty"`
	PageNumber int           `json:"pageNumber,omitempty"`
	TotalPages int           `json:"totalPages,omitempty"`

	// error envelope
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// ScanSettings is the fully enumerated request-scoped settings block.
type ScanSettings struct {
	DPI            int      `json:"dpi"`
	PixelType      string   `json:"pixelType"`
	PaperSize      string   `json:"paperSize"`
	Duplex         bool     `json:"duplex"`
	ShowUI         bool     `json:"showUI"`
	Source         string   `json:"source,omitempty"`
	UseADF         bool     `json:"useAdf"`
	MaxPages       int      `json:"maxPages"`
	ContinuousScan bool     `json:"continuousScan"`
	Protocols      []string `json:"protocols,omitempty"`
}

// DefaultScanSettings returns the documented wire defaults.
func DefaultScanSettings() ScanSettings {
	return ScanSettings{
		DPI:       200,
		PixelType: "RGB",
		PaperSize: "A4",
		UseADF:    true,
		MaxPages:  -1,
	}
}

// SettingsPatch carries partial device-settings updates. Nil fields were not
// present in the request and must not be touched.
type SettingsPatch struct {
	DPI       *int    `json:"dpi,omitempty"`
	PixelType *string `json:"pixelType,omitempty"`
	PaperSize *string `json:"paperSize,omitempty"`
	Duplex    *bool   `json:"duplex,omitempty"`
	UseADF    *bool   `json:"useAdf,omitempty"`
	MaxPages  *int    `json:"maxPages,omitempty"`
	ShowUI    *bool   `json:"showUI,omitempty"`
}

// DeviceInfo describes one enumerated scanner.
type DeviceInfo struct {
	Name         string           `json:"name"`
	ID           string           `json:"id"`
	IsDefault    bool             `json:"isDefault"`
	Protocol     string           `json:"protocol,omitempty"`
	Capabilities []CapabilityInfo `json:"capabilities,omitempty"`
}

// Capability value type tags.
const (
	CapTypeBool   = "bool"
	CapTypeInt    = "int"
	CapTypeEnum   = "enum"
	CapTypeString = "string"
)

// CapabilityInfo describes one device capability.
type CapabilityInfo struct {
	Key             string `json:"key"`
	Label           string `json:"label"`
	Description     string `json:"description,omitempty"`
	Type            string `json:"type"`
	IsReadable      bool   `json:"isReadable"`
	IsWritable      bool   `json:"isWritable"`
	Experimental    bool   `json:"experimental"`
	SupportedValues []any  `json:"supportedValues,omitempty"`
	CurrentValue    any    `json:"currentValue,omitempty"`
}

// Field statuses reported by apply_device_settings.
const (
	FieldApplied = "applied"
	FieldFailed  = "failed"
	FieldSkipped = "skipped"
)

// FieldResult is the per-key outcome of a settings patch.
type FieldResult struct {
	Key          string `json:"key"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	AppliedValue any    `json:"appliedValue,omitempty"`
}

// PageMetadata accompanies every streamed page frame.
type PageMetadata struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Size   int    `json:"size"`
	DPI    int    `json:"dpi"`
}
