// Package wia drives the WIA-family driver stack, tag "b". The native seam
// is the Driver interface: on windows it is COM automation over the imaging
// acquisition service; elsewhere the backend reports unavailable.
package wia

import "errors"

// Device property identifiers, numbered as the imaging service defines them.
type PropID uint32

const (
	PropHorizontalRes    PropID = 6147 // WIA_IPS_XRES
	PropVerticalRes      PropID = 6148 // WIA_IPS_YRES
	PropDataType         PropID = 4103 // WIA_IPA_DATATYPE
	PropPages            PropID = 3096 // WIA_DPS_PAGES
	PropDocumentHandling PropID = 3088 // WIA_DPS_DOCUMENT_HANDLING_SELECT
	PropPageSize         PropID = 3097 // WIA_IPS_PAGE_SIZE
	PropBrightness       PropID = 6154 // WIA_IPS_BRIGHTNESS
	PropContrast         PropID = 6155 // WIA_IPS_CONTRAST
)

// Data type codes for PropDataType.
const (
	DataTypeBW        = 0 // WIA_DATA_THRESHOLD
	DataTypeGrayscale = 2 // WIA_DATA_GRAYSCALE
	DataTypeColor     = 3 // WIA_DATA_COLOR
)

// Document handling flags for PropDocumentHandling.
const (
	HandlingFeeder  = 0x001
	HandlingFlatbed = 0x002
	HandlingDuplex  = 0x004
)

// Page size codes for PropPageSize.
const (
	PageSizeA4     = 0
	PageSizeLetter = 1
	PageSizeCustom = 2
	PageSizeLegal  = 3
	PageSizeA5     = 4
)

// Seam errors the acquisition loop dispatches on.
var (
	// ErrNoMorePages ends a batch: the feeder has nothing left to give.
	ErrNoMorePages = errors.New("wia: no more pages")

	// ErrPaperEmpty is the device's explicit no-media condition.
	ErrPaperEmpty = errors.New("wia: paper empty")

	// ErrCancelled is returned when the user dismisses the vendor dialog.
	ErrCancelled = errors.New("wia: cancelled by user")

	// ErrUIRequired is returned by BeginAcquire when the driver cannot run
	// without its window.
	ErrUIRequired = errors.New("wia: driver requires its dialog")

	// ErrNotAvailable is returned by Open when the imaging service does
	// not exist on this platform.
	ErrNotAvailable = errors.New("wia: imaging service not available")
)

// DeviceInfo identifies one registered imaging device.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// Page is one transferred image.
type Page struct {
	Data   []byte
	Width  int
	Height int
	Format string
	DPI    int
}

// Driver is the native imaging-service session. The backend serializes all
// calls onto its acquisition goroutine; COM apartment rules are the
// implementation's concern.
type Driver interface {
	// Open binds to the imaging service.
	Open() error

	// Close releases the service and any connected device.
	Close()

	// List enumerates registered scanner devices.
	List() ([]DeviceInfo, error)

	// Connect opens one device, dropping any previous connection.
	Connect(id string) error

	// Disconnect drops the device connection. Safe when none is open.
	Disconnect()

	// SetProp writes a device property. Unsupported properties error and
	// the caller decides whether that matters.
	SetProp(prop PropID, value any) error

	// GetProp reads a device property.
	GetProp(prop PropID) (any, error)

	// BeginAcquire arms a transfer batch, with or without the vendor UI.
	BeginAcquire(showUI bool) error

	// EndAcquire tears the batch down to the connected level.
	EndAcquire()

	// NextPage blocks until the next page arrives. ErrNoMorePages and
	// ErrPaperEmpty end the batch.
	NextPage() (*Page, error)
}
