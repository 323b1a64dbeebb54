// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package adapter

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	pdvsserrors "pdvss-agent/errors"
	"pdvss-agent/logging"
)

// vendorID and productID are the SCSI INQUIRY strings the adapter carrying
// the disks of interest identifies itself with.
const (
	vendorID  = "Google"
	productID = "PersistentDisk"
)

// inquiryDataSize is the scratch buffer size for IOCTL_SCSI_GET_INQUIRY_DATA,
// generous enough for every bus/LUN the adapter enumerates.
const inquiryDataSize = 2048

// Channel is one open handle to a \\.\scsiN: adapter. Windows allows only
// one outstanding IOCTL_SCSI_MINIPORT request per handle, so callers that
// need to issue a REQUESTED wait and a CAN_PROCEED reply concurrently must
// open two Channels onto the same port.
type Channel struct {
	handle         windows.Handle
	port           int
	timeoutSeconds uint32
	log            *logging.Logger
}

// Discover scans up to scanLimit scsi ports looking for the adapter whose
// INQUIRY data matches vendorID/productID, returning its port number.
func Discover(scanLimit int, log *logging.Logger) (int, error) {
	for i := 0; i < scanLimit; i++ {
		port, matched, err := probePort(i, log)
		if err != nil {
			log.Debugf("adapter: probing scsi%d: %v", i, err)
			continue
		}
		if matched {
			return port, nil
		}
	}
	return -1, pdvsserrors.ErrNoAdapter
}

func probePort(port int, log *logging.Logger) (int, bool, error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\scsi%d:`, port))
	if err != nil {
		return 0, false, err
	}
	handle, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return 0, false, err
	}
	defer windows.CloseHandle(handle)

	buf := make([]byte, inquiryDataSize)
	var bytesReturned uint32
	if err := windows.DeviceIoControl(handle, ioctlSCSIGetInquiry, nil, 0,
		&buf[0], uint32(len(buf)), &bytesReturned, nil); err != nil {
		return 0, false, err
	}

	if busInquiryMatches(buf, log) {
		return port, true, nil
	}
	return port, false, nil
}

// busInquiryMatches walks the SCSI_ADAPTER_BUS_INFO/SCSI_INQUIRY_DATA chain
// the way GoogleVssLib's DiscoverScsiAdapter does, looking for an INQUIRY
// response whose VendorId/ProductId match. The struct layouts are the
// fixed WDK srb.h ones; this is a direct byte-offset decode since there is
// no cgo header available to bind against.
func busInquiryMatches(buf []byte, log *logging.Logger) bool {
	if len(buf) < 1 {
		return false
	}
	numberOfBuses := int(buf[0])
	// SCSI_ADAPTER_BUS_INFO.BusData[] starts at offset 4 (UCHAR NumberOfBuses
	// padded to the ULONG alignment of SCSI_BUS_DATA).
	const busDataStart = 4
	const busDataStride = 8 // UCHAR + UCHAR + 2 pad + ULONG

	for bus := 0; bus < numberOfBuses; bus++ {
		off := busDataStart + bus*busDataStride
		if off+busDataStride > len(buf) {
			return false
		}
		inquiryOffset := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		for inquiryOffset != 0 {
			if int(inquiryOffset)+8 > len(buf) {
				return false
			}
			nextOffset := binary.LittleEndian.Uint32(buf[inquiryOffset+4 : inquiryOffset+8])
			// SCSI_INQUIRY_DATA.InquiryData[] starts at offset 8 within the record.
			inquiryDataStart := int(inquiryOffset) + 8
			if inquiryDataStart+32 > len(buf) {
				return false
			}
			// INQUIRYDATA.VendorId is at offset 8, ProductId at offset 16
			// within the 96-byte INQUIRYDATA structure.
			vendor := cString(buf[inquiryDataStart+8 : inquiryDataStart+16])
			product := cString(buf[inquiryDataStart+16 : inquiryDataStart+32])
			if vendor == vendorID && product == productID {
				return true
			}
			if nextOffset == 0 {
				break
			}
			inquiryOffset = nextOffset
			log.Debugf("adapter: bus %d, skipping non-matching inquiry at offset %d", bus, inquiryOffset)
		}
	}
	return false
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Open opens a handle to the adapter at port, ready to carry REQUESTED,
// CAN_PROCEED or DISCARD IOCTLs.
func Open(port int, timeoutSeconds uint32, log *logging.Logger) (*Channel, error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\scsi%d:`, port))
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("opening scsi%d: %w", port, err)
	}
	return &Channel{handle: handle, port: port, timeoutSeconds: timeoutSeconds, log: log}, nil
}

// Close releases the underlying handle.
func (c *Channel) Close() error {
	if c.handle == 0 || c.handle == windows.InvalidHandle {
		return nil
	}
	err := windows.CloseHandle(c.handle)
	c.handle = windows.InvalidHandle
	return err
}

// Send issues cmd over the channel, carrying target/lun/status in the
// request and returning the target/lun/return-code the driver reports
// back (spec §6.1). A non-succeed return code is reported through err,
// but the echoed target/lun are still returned since CommandRequested
// reports them on success only.
func (c *Channel) Send(cmd Command, target, lun uint8, status PrepareStatus) (uint8, uint8, error) {
	if c.handle == 0 || c.handle == windows.InvalidHandle {
		return 0, 0, fmt.Errorf("adapter: channel not open")
	}

	req, err := newVSSBuffer(cmd, target, lun, c.timeoutSeconds)
	if err != nil {
		return 0, 0, err
	}
	req.Status = uint64(status)

	var bytesReturned uint32
	size := uint32(unsafe.Sizeof(*req))
	err = windows.DeviceIoControl(c.handle, ioctlSCSIMiniport,
		(*byte)(unsafe.Pointer(req)), size,
		(*byte)(unsafe.Pointer(req)), size,
		&bytesReturned, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("adapter: device io control: %w", err)
	}
	if req.ReturnCode != StatusSucceed {
		return req.Target, req.Lun, fmt.Errorf("adapter: driver returned status %#x", req.ReturnCode)
	}
	return req.Target, req.Lun, nil
}

// Port returns the scsi port number this channel is bound to.
func (c *Channel) Port() int {
	return c.port
}
