// Package twain drives the TWAIN-family driver stack, tag "a". The native
// seam is the DataSource interface: the windows implementation loads the
// driver manager DLL and speaks the triplet protocol; other platforms have
// no driver stack and report the backend as unavailable.
package twain

import "errors"

// Driver capability identifiers, numbered as the driver headers define them.
type Cap uint16

const (
	CapXferCount     Cap = 0x0001 // CAP_XFERCOUNT
	CapFeederEnabled Cap = 0x1002 // CAP_FEEDERENABLED
	CapFeederLoaded  Cap = 0x1003 // CAP_FEEDERLOADED
	CapDuplex        Cap = 0x1012 // CAP_DUPLEX
	CapDuplexEnabled Cap = 0x1013 // CAP_DUPLEXENABLED
	CapUIControl     Cap = 0x100E // CAP_UICONTROLLABLE
	ICapXResolution  Cap = 0x1118 // ICAP_XRESOLUTION
	ICapYResolution  Cap = 0x1119 // ICAP_YRESOLUTION
	ICapPixelType    Cap = 0x0101 // ICAP_PIXELTYPE
	ICapSupportedSz  Cap = 0x1122 // ICAP_SUPPORTEDSIZES
)

// Driver pixel type codes.
const (
	PixelCodeBW   = 0 // TWPT_BW
	PixelCodeGray = 1 // TWPT_GRAY
	PixelCodeRGB  = 2 // TWPT_RGB
)

// Duplex support codes reported by CAP_DUPLEX.
const (
	DuplexNone    = 0 // TWDX_NONE
	DuplexOnePass = 1 // TWDX_1PASSDUPLEX
	DuplexTwoPass = 2 // TWDX_2PASSDUPLEX
)

// Seam errors the acquisition loop dispatches on.
var (
	// ErrFeederEmpty is the driver's no-media condition. After at least one
	// page it means the batch is done, not that anything failed.
	ErrFeederEmpty = errors.New("twain: feeder empty")

	// ErrCancelled is returned when the user dismisses the vendor dialog.
	ErrCancelled = errors.New("twain: cancelled by user")

	// ErrUINotSupported is returned by Enable when headless acquisition was
	// requested but the driver insists on its window.
	ErrUINotSupported = errors.New("twain: source cannot suppress its UI")

	// ErrNotAvailable is returned by Open when no driver manager exists on
	// this platform.
	ErrNotAvailable = errors.New("twain: driver manager not available")
)

// SourceInfo identifies one installed data source. The driver may leave ID
// empty until the source has been opened once; Name is always populated.
type SourceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// CapValues is the result of a capability query.
type CapValues struct {
	Current   any
	Supported []any
}

// EnableOptions control how an acquisition is armed.
type EnableOptions struct {
	ShowUI bool
	Modal  bool
}

// Image is one transferred page, already unwrapped from the driver's
// native memory layout.
type Image struct {
	Data   []byte
	Width  int
	Height int
	Format string // "bmp" for native transfers
	DPI    int
}

// DataSource is the native driver session. All methods are called from the
// backend's acquisition goroutine, matching the single-threaded affinity
// the driver manager demands.
type DataSource interface {
	// Open loads the driver manager.
	Open() error

	// Close unloads the driver manager, dropping any open source.
	Close()

	// List enumerates installed sources.
	List() ([]SourceInfo, error)

	// OpenSource opens one source, closing any previously opened one.
	OpenSource(id string) error

	// CloseSource closes the opened source. Safe when none is open.
	CloseSource()

	// QueryCap reads a capability's current and supported values.
	QueryCap(cap Cap) (CapValues, error)

	// SetCap negotiates a capability value. Unsupported capabilities
	// return an error the caller may ignore.
	SetCap(cap Cap, value any) error

	// Enable arms the acquisition.
	Enable(opts EnableOptions) error

	// Disable forces the session back down to the source-open level,
	// aborting any active transfer.
	Disable()

	// Transfer blocks until the next page is available and returns it.
	// ErrFeederEmpty ends a batch; ErrCancelled reports a user abort.
	Transfer() (*Image, error)
}
