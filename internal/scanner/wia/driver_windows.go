//go:build windows

package wia

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// Automation constants.
const (
	wiaFormatBMP = "{B96B3CAB-0728-11D3-9D7B-0000F81EF32E}"

	// COM error codes surfaced by the imaging service.
	hrPaperEmpty   = 0x80210003 // WIA_ERROR_PAPER_EMPTY
	hrNoDevice     = 0x80210015 // WIA_ERROR_NO_DEVICE_AVAILABLE
	hrUserCancel   = 0x80210064 // dialog dismissed
	hrBusy         = 0x80210006 // WIA_ERROR_BUSY
	hrDeviceLocked = 0x8021000D // WIA_ERROR_DEVICE_LOCKED
)

// comDriver is the production Driver: automation over the imaging service.
// The backend funnels every call through one goroutine, so a single-threaded
// apartment per session is safe.
type comDriver struct {
	mu        sync.Mutex
	comReady  bool
	manager   *ole.IDispatch
	dialog    *ole.IDispatch
	device    *ole.IDispatch
	item      *ole.IDispatch
	acquiring bool
	showUI    bool
	uiDone    bool
}

// newPlatformDriver builds the windows automation driver.
func newPlatformDriver() Driver {
	return &comDriver{}
}

func (d *comDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manager != nil {
		return nil
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		// S_FALSE means the apartment already exists; that is fine.
		if !errors.As(err, &oleErr) || oleErr.Code() != 1 {
			return fmt.Errorf("%w: %v", ErrNotAvailable, err)
		}
	}
	d.comReady = true

	unknown, err := oleutil.CreateObject("WIA.DeviceManager")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	manager, err := unknown.QueryInterface(ole.IID_IDispatch)
	unknown.Release()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	d.manager = manager
	return nil
}

func (d *comDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectLocked()
	if d.dialog != nil {
		d.dialog.Release()
		d.dialog = nil
	}
	if d.manager != nil {
		d.manager.Release()
		d.manager = nil
	}
	if d.comReady {
		ole.CoUninitialize()
		d.comReady = false
	}
}

func (d *comDriver) List() ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manager == nil {
		return nil, ErrNotAvailable
	}

	infosVar, err := oleutil.GetProperty(d.manager, "DeviceInfos")
	if err != nil {
		return nil, fmt.Errorf("wia: device infos: %w", err)
	}
	infos := infosVar.ToIDispatch()
	defer infos.Release()

	countVar, err := oleutil.GetProperty(infos, "Count")
	if err != nil {
		return nil, fmt.Errorf("wia: device count: %w", err)
	}
	count := int(countVar.Val)

	var devices []DeviceInfo
	for i := 1; i <= count; i++ {
		itemVar, err := oleutil.GetProperty(infos, "Item", i)
		if err != nil {
			continue
		}
		info := itemVar.ToIDispatch()

		// Type 1 is scanners; skip cameras and video devices.
		if typeVar, err := oleutil.GetProperty(info, "Type"); err == nil && typeVar.Val != 1 {
			info.Release()
			continue
		}

		idVar, err := oleutil.GetProperty(info, "DeviceID")
		if err != nil {
			info.Release()
			continue
		}
		name := devicePropString(info, "Name")
		if name == "" {
			name = idVar.ToString()
		}
		devices = append(devices, DeviceInfo{
			ID:        idVar.ToString(),
			Name:      name,
			IsDefault: len(devices) == 0,
		})
		info.Release()
	}
	return devices, nil
}

func (d *comDriver) Connect(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manager == nil {
		return ErrNotAvailable
	}
	d.disconnectLocked()

	infosVar, err := oleutil.GetProperty(d.manager, "DeviceInfos")
	if err != nil {
		return fmt.Errorf("wia: device infos: %w", err)
	}
	infos := infosVar.ToIDispatch()
	defer infos.Release()

	infoVar, err := oleutil.GetProperty(infos, "Item", id)
	if err != nil {
		return fmt.Errorf("wia: device %q: %w", id, err)
	}
	info := infoVar.ToIDispatch()
	defer info.Release()

	deviceVar, err := oleutil.CallMethod(info, "Connect")
	if err != nil {
		return fmt.Errorf("wia: connect %q: %w", id, mapComError(err))
	}
	device := deviceVar.ToIDispatch()

	itemsVar, err := oleutil.GetProperty(device, "Items")
	if err != nil {
		device.Release()
		return fmt.Errorf("wia: device items: %w", err)
	}
	items := itemsVar.ToIDispatch()
	itemVar, err := oleutil.GetProperty(items, "Item", 1)
	items.Release()
	if err != nil {
		device.Release()
		return fmt.Errorf("wia: transfer item: %w", err)
	}

	d.device = device
	d.item = itemVar.ToIDispatch()
	return nil
}

func (d *comDriver) Disconnect() {
	d.mu.Lock()
	d.disconnectLocked()
	d.mu.Unlock()
}

func (d *comDriver) disconnectLocked() {
	d.acquiring = false
	if d.item != nil {
		d.item.Release()
		d.item = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
}

func (d *comDriver) SetProp(prop PropID, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.propTarget(prop)
	if target == nil {
		return ErrNotAvailable
	}

	propsVar, err := oleutil.GetProperty(target, "Properties")
	if err != nil {
		return fmt.Errorf("wia: properties: %w", err)
	}
	props := propsVar.ToIDispatch()
	defer props.Release()

	entryVar, err := oleutil.GetProperty(props, "Item", strconv.Itoa(int(prop)))
	if err != nil {
		return fmt.Errorf("wia: property %d not exposed by device: %w", prop, err)
	}
	entry := entryVar.ToIDispatch()
	defer entry.Release()

	if _, err := oleutil.PutProperty(entry, "Value", value); err != nil {
		return fmt.Errorf("wia: set property %d: %w", prop, mapComError(err))
	}
	return nil
}

func (d *comDriver) GetProp(prop PropID) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.propTarget(prop)
	if target == nil {
		return nil, ErrNotAvailable
	}

	propsVar, err := oleutil.GetProperty(target, "Properties")
	if err != nil {
		return nil, fmt.Errorf("wia: properties: %w", err)
	}
	props := propsVar.ToIDispatch()
	defer props.Release()

	entryVar, err := oleutil.GetProperty(props, "Item", strconv.Itoa(int(prop)))
	if err != nil {
		return nil, fmt.Errorf("wia: property %d not exposed by device: %w", prop, err)
	}
	entry := entryVar.ToIDispatch()
	defer entry.Release()

	valueVar, err := oleutil.GetProperty(entry, "Value")
	if err != nil {
		return nil, fmt.Errorf("wia: read property %d: %w", prop, err)
	}
	return valueVar.Value(), nil
}

// propTarget routes device-level properties to the device and item-level
// ones to the transfer item. Callers hold d.mu.
func (d *comDriver) propTarget(prop PropID) *ole.IDispatch {
	switch prop {
	case PropPages, PropDocumentHandling:
		return d.device
	default:
		return d.item
	}
}

func (d *comDriver) BeginAcquire(showUI bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.item == nil {
		return ErrNotAvailable
	}

	if showUI && d.dialog == nil {
		unknown, err := oleutil.CreateObject("WIA.CommonDialog")
		if err != nil {
			return fmt.Errorf("wia: vendor dialog unavailable: %w", err)
		}
		dialog, err := unknown.QueryInterface(ole.IID_IDispatch)
		unknown.Release()
		if err != nil {
			return fmt.Errorf("wia: vendor dialog unavailable: %w", err)
		}
		d.dialog = dialog
	}

	d.acquiring = true
	d.showUI = showUI
	d.uiDone = false
	return nil
}

func (d *comDriver) EndAcquire() {
	d.mu.Lock()
	d.acquiring = false
	d.mu.Unlock()
}

func (d *comDriver) NextPage() (*Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acquiring {
		return nil, ErrNoMorePages
	}

	var imageVar *ole.VARIANT
	var err error
	if d.showUI {
		// The dialog drives the whole batch itself; a second call means
		// the batch is done.
		if d.uiDone {
			return nil, ErrNoMorePages
		}
		imageVar, err = oleutil.CallMethod(d.dialog, "ShowTransfer", d.item, wiaFormatBMP, false)
		d.uiDone = true
	} else {
		imageVar, err = oleutil.CallMethod(d.item, "Transfer", wiaFormatBMP)
	}
	if err != nil {
		return nil, mapComError(err)
	}

	imageFile := imageVar.ToIDispatch()
	if imageFile == nil {
		return nil, ErrCancelled
	}
	defer imageFile.Release()

	return imageFileToPage(imageFile)
}

// imageFileToPage pulls the transferred bytes and metadata out of the
// automation ImageFile object.
func imageFileToPage(imageFile *ole.IDispatch) (*Page, error) {
	fileDataVar, err := oleutil.GetProperty(imageFile, "FileData")
	if err != nil {
		return nil, fmt.Errorf("wia: image file data: %w", err)
	}
	fileData := fileDataVar.ToIDispatch()
	defer fileData.Release()

	binaryVar, err := oleutil.GetProperty(fileData, "BinaryData")
	if err != nil {
		return nil, fmt.Errorf("wia: image binary data: %w", err)
	}
	array := binaryVar.ToArray()
	if array == nil {
		return nil, fmt.Errorf("wia: image payload is not a byte array")
	}
	data := array.ToByteArray()
	array.Release()

	page := &Page{Data: data, Format: "bmp"}
	if v, err := oleutil.GetProperty(imageFile, "Width"); err == nil {
		page.Width = int(v.Val)
	}
	if v, err := oleutil.GetProperty(imageFile, "Height"); err == nil {
		page.Height = int(v.Val)
	}
	if v, err := oleutil.GetProperty(imageFile, "HorizontalResolution"); err == nil {
		page.DPI = int(v.Val)
	}
	return page, nil
}

// devicePropString reads a string entry from an automation Properties
// collection by name. Missing entries yield "".
func devicePropString(owner *ole.IDispatch, name string) string {
	propsVar, err := oleutil.GetProperty(owner, "Properties")
	if err != nil {
		return ""
	}
	props := propsVar.ToIDispatch()
	defer props.Release()

	entryVar, err := oleutil.GetProperty(props, "Item", name)
	if err != nil {
		return ""
	}
	entry := entryVar.ToIDispatch()
	defer entry.Release()

	valueVar, err := oleutil.GetProperty(entry, "Value")
	if err != nil {
		return ""
	}
	return valueVar.ToString()
}

// mapComError folds the service's HRESULTs onto the seam errors.
func mapComError(err error) error {
	var oleErr *ole.OleError
	if !errors.As(err, &oleErr) {
		return err
	}
	switch uint32(oleErr.Code()) {
	case hrPaperEmpty:
		return ErrPaperEmpty
	case hrUserCancel:
		return ErrCancelled
	case hrNoDevice:
		return ErrNotAvailable
	case hrBusy, hrDeviceLocked:
		return fmt.Errorf("wia: device busy: %w", err)
	default:
		return err
	}
}
