//go:build windows

package twain

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Triplet constants from the driver manager headers.
const (
	dgControl = 0x0001
	dgImage   = 0x0002

	datCapability    = 0x0001
	datIdentity      = 0x0003
	datParent        = 0x0004
	datPendingXfers  = 0x0005
	datUserInterface = 0x0009
	datImageNatXfer  = 0x0104
	datImageInfo     = 0x0101

	msgGet       = 0x0001
	msgGetFirst  = 0x0004
	msgGetNext   = 0x0005
	msgSet       = 0x0006
	msgReset     = 0x0007
	msgOpenDSM   = 0x0301
	msgCloseDSM  = 0x0302
	msgOpenDS    = 0x0401
	msgCloseDS   = 0x0402
	msgEnableDS  = 0x0502
	msgDisableDS = 0x0501
	msgEndXfer   = 0x0701

	twrcSuccess   = 0
	twrcFailure   = 1
	twrcCancel    = 3
	twrcXferDone  = 6
	twrcEndOfList = 7

	twccSeqError = 11
	twccNoMedia  = 29 // feeder empty / nothing to transfer

	twonOneValue    = 5
	twonEnumeration = 4

	twtyInt16  = 1
	twtyInt32  = 2
	twtyUInt16 = 4
	twtyUInt32 = 5
	twtyBool   = 6
)

// twIdentity mirrors TW_IDENTITY (fixed-layout driver struct).
type twIdentity struct {
	ID              uint32
	Version         [42]byte // TW_VERSION: major, minor, language, country, info
	ProtocolMajor   uint16
	ProtocolMinor   uint16
	SupportedGroups uint32
	Manufacturer    [34]byte
	ProductFamily   [34]byte
	ProductName     [34]byte
}

// twCapability mirrors TW_CAPABILITY.
type twCapability struct {
	Cap        uint16
	ConType    uint16
	_          uint32 // alignment
	HContainer uintptr
}

// twUserInterface mirrors TW_USERINTERFACE.
type twUserInterface struct {
	ShowUI  uint16
	ModalUI uint16
	HParent uintptr
}

// twPendingXfers mirrors TW_PENDINGXFERS.
type twPendingXfers struct {
	Count    uint16
	_        uint16
	Reserved uint32
}

// dsmSource is the production DataSource: a binding over the driver
// manager DLL. All calls run on the backend's acquisition goroutine, which
// satisfies the manager's thread-affinity demand.
type dsmSource struct {
	mu      sync.Mutex
	dll     *windows.DLL
	entry   *windows.Proc
	appID   twIdentity
	opened  bool
	source  twIdentity
	srcOpen bool
	enabled bool
	pending bool
}

// newPlatformSource builds the windows driver binding.
func newPlatformSource() DataSource {
	return &dsmSource{}
}

func (d *dsmSource) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}

	dll, err := windows.LoadDLL("twaindsm.dll")
	if err != nil {
		if dll, err = windows.LoadDLL("twain_32.dll"); err != nil {
			return fmt.Errorf("%w: %v", ErrNotAvailable, err)
		}
	}
	entry, err := dll.FindProc("DSM_Entry")
	if err != nil {
		dll.Release()
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	d.dll = dll
	d.entry = entry
	d.appID = twIdentity{ProtocolMajor: 2, ProtocolMinor: 4, SupportedGroups: dgControl | dgImage}
	copyASCII(d.appID.ProductName[:], "ScanWithWeb")
	copyASCII(d.appID.Manufacturer[:], "ScanWithWeb")

	if rc, _ := d.call(nil, dgControl, datParent, msgOpenDSM, 0); rc != twrcSuccess {
		dll.Release()
		d.dll, d.entry = nil, nil
		return fmt.Errorf("twain: open driver manager failed (rc=%d)", rc)
	}
	d.opened = true
	return nil
}

func (d *dsmSource) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return
	}
	d.closeSourceLocked()
	d.call(nil, dgControl, datParent, msgCloseDSM, 0)
	if d.dll != nil {
		d.dll.Release()
	}
	d.dll, d.entry = nil, nil
	d.opened = false
}

func (d *dsmSource) List() ([]SourceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil, ErrNotAvailable
	}

	var infos []SourceInfo
	var ident twIdentity
	msg := uintptr(msgGetFirst)
	for {
		rc, _ := d.call(nil, dgControl, datIdentity, uint16(msg), uintptr(unsafe.Pointer(&ident)))
		if rc == twrcEndOfList {
			break
		}
		if rc != twrcSuccess {
			if len(infos) == 0 && msg == msgGetFirst {
				// No sources installed.
				return nil, nil
			}
			return infos, nil
		}
		name := fromASCII(ident.ProductName[:])
		infos = append(infos, SourceInfo{
			ID:        name,
			Name:      name,
			IsDefault: len(infos) == 0,
		})
		msg = msgGetNext
	}
	return infos, nil
}

func (d *dsmSource) OpenSource(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return ErrNotAvailable
	}
	d.closeSourceLocked()

	var ident twIdentity
	copyASCII(ident.ProductName[:], id)
	if rc, cc := d.call(nil, dgControl, datIdentity, msgOpenDS, uintptr(unsafe.Pointer(&ident))); rc != twrcSuccess {
		return fmt.Errorf("twain: open source %q failed (rc=%d cc=%d)", id, rc, cc)
	}
	d.source = ident
	d.srcOpen = true
	return nil
}

func (d *dsmSource) CloseSource() {
	d.mu.Lock()
	d.closeSourceLocked()
	d.mu.Unlock()
}

func (d *dsmSource) closeSourceLocked() {
	if !d.srcOpen {
		return
	}
	if d.enabled {
		ui := twUserInterface{}
		d.call(&d.source, dgControl, datUserInterface, msgDisableDS, uintptr(unsafe.Pointer(&ui)))
		d.enabled = false
	}
	d.call(nil, dgControl, datIdentity, msgCloseDS, uintptr(unsafe.Pointer(&d.source)))
	d.srcOpen = false
}

func (d *dsmSource) QueryCap(cap Cap) (CapValues, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.srcOpen {
		return CapValues{}, ErrNotAvailable
	}

	tc := twCapability{Cap: uint16(cap)}
	if rc, cc := d.call(&d.source, dgControl, datCapability, msgGet, uintptr(unsafe.Pointer(&tc))); rc != twrcSuccess {
		return CapValues{}, fmt.Errorf("twain: query cap %#x failed (rc=%d cc=%d)", cap, rc, cc)
	}
	defer globalFree(tc.HContainer)
	return parseContainer(tc.ConType, tc.HContainer)
}

func (d *dsmSource) SetCap(cap Cap, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.srcOpen {
		return ErrNotAvailable
	}

	container, err := buildOneValue(value)
	if err != nil {
		return err
	}
	defer globalFree(container)

	tc := twCapability{Cap: uint16(cap), ConType: twonOneValue, HContainer: container}
	if rc, cc := d.call(&d.source, dgControl, datCapability, msgSet, uintptr(unsafe.Pointer(&tc))); rc != twrcSuccess {
		return fmt.Errorf("twain: set cap %#x failed (rc=%d cc=%d)", cap, rc, cc)
	}
	return nil
}

func (d *dsmSource) Enable(opts EnableOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.srcOpen {
		return ErrNotAvailable
	}

	ui := twUserInterface{}
	if opts.ShowUI {
		ui.ShowUI = 1
		if opts.Modal {
			ui.ModalUI = 1
		}
	}

	rc, cc := d.call(&d.source, dgControl, datUserInterface, msgEnableDS, uintptr(unsafe.Pointer(&ui)))
	if rc != twrcSuccess {
		if !opts.ShowUI && cc == twccSeqError {
			return ErrUINotSupported
		}
		if !opts.ShowUI {
			// Many drivers report a generic failure when their window is
			// mandatory; surface it as the typed condition.
			return fmt.Errorf("%w (rc=%d cc=%d)", ErrUINotSupported, rc, cc)
		}
		return fmt.Errorf("twain: enable failed (rc=%d cc=%d)", rc, cc)
	}
	d.enabled = true
	d.pending = true
	return nil
}

func (d *dsmSource) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	var px twPendingXfers
	d.call(&d.source, dgControl, datPendingXfers, msgReset, uintptr(unsafe.Pointer(&px)))
	ui := twUserInterface{}
	d.call(&d.source, dgControl, datUserInterface, msgDisableDS, uintptr(unsafe.Pointer(&ui)))
	d.enabled = false
	d.pending = false
}

func (d *dsmSource) Transfer() (*Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled || !d.pending {
		return nil, ErrFeederEmpty
	}

	var hDIB uintptr
	rc, cc := d.call(&d.source, dgImage, datImageNatXfer, msgGet, uintptr(unsafe.Pointer(&hDIB)))
	switch rc {
	case twrcXferDone:
		// fall through to read the bitmap
	case twrcCancel:
		d.endTransferLocked()
		return nil, ErrCancelled
	default:
		d.endTransferLocked()
		if cc == twccNoMedia {
			return nil, ErrFeederEmpty
		}
		return nil, fmt.Errorf("twain: transfer failed (rc=%d cc=%d)", rc, cc)
	}

	img, err := dibToImage(hDIB)
	globalFree(hDIB)

	remaining := d.endTransferLocked()
	if remaining == 0 {
		d.pending = false
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// endTransferLocked acknowledges the transfer and returns how many more
// pages the feeder still holds.
func (d *dsmSource) endTransferLocked() int {
	var px twPendingXfers
	d.call(&d.source, dgControl, datPendingXfers, msgEndXfer, uintptr(unsafe.Pointer(&px)))
	return int(px.Count)
}

// call invokes DSM_Entry with the standard argument layout and returns the
// return code plus the condition code on failure.
func (d *dsmSource) call(dest *twIdentity, dg uint32, dat, msg uint16, data uintptr) (int, int) {
	var destPtr uintptr
	if dest != nil {
		destPtr = uintptr(unsafe.Pointer(dest))
	}
	rc, _, _ := d.entry.Call(
		uintptr(unsafe.Pointer(&d.appID)),
		destPtr,
		uintptr(dg),
		uintptr(dat),
		uintptr(msg),
		data,
	)
	if rc == twrcSuccess || rc == twrcXferDone || rc == twrcCancel || rc == twrcEndOfList {
		return int(rc), 0
	}
	return int(rc), d.conditionCode(dest)
}

// conditionCode fetches TWCC for the last failing call. Best effort.
func (d *dsmSource) conditionCode(dest *twIdentity) int {
	var status struct {
		ConditionCode uint16
		_             uint16
	}
	var destPtr uintptr
	if dest != nil {
		destPtr = uintptr(unsafe.Pointer(dest))
	}
	d.entry.Call(
		uintptr(unsafe.Pointer(&d.appID)),
		destPtr,
		uintptr(dgControl),
		uintptr(0x0008), // DAT_STATUS
		uintptr(msgGet),
		uintptr(unsafe.Pointer(&status)),
	)
	return int(status.ConditionCode)
}

var (
	kernel32   = windows.NewLazySystemDLL("kernel32.dll")
	procLock   = kernel32.NewProc("GlobalLock")
	procUnlock = kernel32.NewProc("GlobalUnlock")
	procFree   = kernel32.NewProc("GlobalFree")
	procSize   = kernel32.NewProc("GlobalSize")
	procAlloc  = kernel32.NewProc("GlobalAlloc")
)

const gmemMoveable = 0x0002

func globalFree(h uintptr) {
	if h != 0 {
		procFree.Call(h)
	}
}

// dibToImage copies a device-independent bitmap out of driver memory and
// wraps it with a file header so downstream decoders see a regular BMP.
func dibToImage(hDIB uintptr) (*Image, error) {
	if hDIB == 0 {
		return nil, fmt.Errorf("twain: driver returned a null bitmap handle")
	}

	ptr, _, _ := procLock.Call(hDIB)
	if ptr == 0 {
		return nil, fmt.Errorf("twain: lock bitmap memory failed")
	}
	defer procUnlock.Call(hDIB)

	size, _, _ := procSize.Call(hDIB)
	if size < 40 {
		return nil, fmt.Errorf("twain: bitmap smaller than its header (%d bytes)", size)
	}

	dib := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)

	headerSize := binary.LittleEndian.Uint32(dib[0:4])
	width := int(int32(binary.LittleEndian.Uint32(dib[4:8])))
	height := int(int32(binary.LittleEndian.Uint32(dib[8:12])))
	if height < 0 {
		height = -height
	}
	bitCount := binary.LittleEndian.Uint16(dib[14:16])
	clrUsed := binary.LittleEndian.Uint32(dib[32:36])
	xPelsPerMeter := int(int32(binary.LittleEndian.Uint32(dib[24:28])))

	paletteEntries := clrUsed
	if paletteEntries == 0 && bitCount <= 8 {
		paletteEntries = 1 << bitCount
	}
	pixelOffset := 14 + headerSize + paletteEntries*4

	out := make([]byte, 14+len(dib))
	out[0], out[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[10:14], pixelOffset)
	copy(out[14:], dib)

	dpi := 0
	if xPelsPerMeter > 0 {
		dpi = int(float64(xPelsPerMeter)*0.0254 + 0.5)
	}

	return &Image{
		Data:   out,
		Width:  width,
		Height: height,
		Format: "bmp",
		DPI:    dpi,
	}, nil
}

// parseContainer unwraps TW_ONEVALUE and TW_ENUMERATION containers.
func parseContainer(conType uint16, h uintptr) (CapValues, error) {
	if h == 0 {
		return CapValues{}, fmt.Errorf("twain: capability has no container")
	}
	ptr, _, _ := procLock.Call(h)
	if ptr == 0 {
		return CapValues{}, fmt.Errorf("twain: lock capability container failed")
	}
	defer procUnlock.Call(h)

	size, _, _ := procSize.Call(h)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)

	switch conType {
	case twonOneValue:
		if len(buf) < 8 {
			return CapValues{}, fmt.Errorf("twain: short one-value container")
		}
		itemType := binary.LittleEndian.Uint16(buf[0:2])
		value := itemValue(itemType, buf[4:])
		return CapValues{Current: value}, nil

	case twonEnumeration:
		if len(buf) < 14 {
			return CapValues{}, fmt.Errorf("twain: short enumeration container")
		}
		itemType := binary.LittleEndian.Uint16(buf[0:2])
		count := binary.LittleEndian.Uint32(buf[2:6])
		current := binary.LittleEndian.Uint32(buf[6:10])
		itemSize := itemByteSize(itemType)
		items := buf[14:]

		vals := CapValues{}
		for i := uint32(0); i < count; i++ {
			off := int(i) * itemSize
			if off+itemSize > len(items) {
				break
			}
			v := itemValue(itemType, items[off:])
			vals.Supported = append(vals.Supported, v)
			if i == current {
				vals.Current = v
			}
		}
		return vals, nil

	default:
		return CapValues{}, fmt.Errorf("twain: unsupported container type %d", conType)
	}
}

func itemByteSize(itemType uint16) int {
	switch itemType {
	case twtyInt16, twtyUInt16, twtyBool:
		return 2
	default:
		return 4
	}
}

func itemValue(itemType uint16, buf []byte) any {
	switch itemType {
	case twtyBool:
		return binary.LittleEndian.Uint16(buf) != 0
	case twtyInt16:
		return int(int16(binary.LittleEndian.Uint16(buf)))
	case twtyUInt16:
		return int(binary.LittleEndian.Uint16(buf))
	case twtyInt32:
		return int(int32(binary.LittleEndian.Uint32(buf)))
	default:
		return int(binary.LittleEndian.Uint32(buf))
	}
}

// buildOneValue allocates a TW_ONEVALUE container for SetCap.
func buildOneValue(value any) (uintptr, error) {
	var itemType uint16
	var item uint32
	switch v := value.(type) {
	case bool:
		itemType = twtyBool
		if v {
			item = 1
		}
	case int:
		if v < 0 {
			itemType = twtyInt32
			item = uint32(int32(v))
		} else {
			itemType = twtyUInt16
			item = uint32(v)
		}
	default:
		return 0, fmt.Errorf("twain: unsupported capability value %T", value)
	}

	h, _, _ := procAlloc.Call(gmemMoveable, 8)
	if h == 0 {
		return 0, fmt.Errorf("twain: allocate capability container failed")
	}
	ptr, _, _ := procLock.Call(h)
	if ptr == 0 {
		procFree.Call(h)
		return 0, fmt.Errorf("twain: lock capability container failed")
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 8)
	binary.LittleEndian.PutUint16(buf[0:2], itemType)
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], item)
	procUnlock.Call(h)
	return h, nil
}

func copyASCII(dst []byte, s string) {
	n := copy(dst, s)
	if n < len(dst) {
		dst[n] = 0
	}
}

func fromASCII(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
