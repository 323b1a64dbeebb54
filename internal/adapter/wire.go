// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package adapter speaks the IOCTL_SCSI_MINIPORT protocol the vioscsi-style
// driver exposes on the storage adapter the disks of interest are attached
// to (spec §4.1, §6.1). This file holds the wire layout and command
// vocabulary only, so it can be unit tested without a Windows build tag;
// adapter_windows.go does the actual CreateFile/DeviceIoControl dance.
package adapter

import (
	"fmt"
	"unsafe"
)

// signature is stamped into every request, the way the host driver expects
// to recognize a well-formed caller (spec §6.1).
const signature = "GOOOGVSS"

// Command selects one of the three IOCTLs the driver understands.
type Command int

const (
	// CommandRequested blocks in the kernel until the host signals a disk
	// that needs to be quiesced, returning its target/lun.
	CommandRequested Command = iota
	// CommandCanProceed tells the driver the orchestrator has finished
	// (or given up on) preparing the given target/lun, carrying a Status.
	CommandCanProceed
	// CommandDiscard cancels a pending REQUESTED with no target/lun of
	// interest; used at startup to clear stale state and at stop to
	// release the listener (spec §4.5).
	CommandDiscard
)

// Control codes for the three DeviceIoControl entry points the driver
// registers, mirroring CTL_CODE(deviceType, 0x8FF, METHOD_NEITHER,
// FILE_ANY_ACCESS) for deviceType in {0xE000, 0xE010, 0xE020}.
const (
	controlCodeRequested  uint32 = 0xE00023FF
	controlCodeCanProceed uint32 = 0xE01023FF
	controlCodeDiscard    uint32 = 0xE02023FF
	ioctlSCSIMiniport     uint32 = 0x0004D008
	ioctlSCSIGetInquiry   uint32 = 0x0004100C
)

func controlCodeFor(cmd Command) (uint32, error) {
	switch cmd {
	case CommandRequested:
		return controlCodeRequested, nil
	case CommandCanProceed:
		return controlCodeCanProceed, nil
	case CommandDiscard:
		return controlCodeDiscard, nil
	default:
		return 0, fmt.Errorf("adapter: unknown command %d", cmd)
	}
}

// Status codes returned by the driver in srbIOControl.ReturnCode.
const (
	StatusSucceed        uint32 = 0x00
	StatusBackendFailed  uint32 = 0x01
	StatusInvalidDevice  uint32 = 0x02
	StatusInvalidRequest uint32 = 0x03
	StatusCancelled      uint32 = 0x04
)

// PrepareStatus is the value the orchestrator passes back on
// CommandCanProceed (VIRTIO_SCSI_SNAPSHOT_* in the driver header).
type PrepareStatus uint64

const (
	PrepareComplete    PrepareStatus = 0
	PrepareUnavailable PrepareStatus = 1
	PrepareError       PrepareStatus = 2
	SnapshotComplete   PrepareStatus = 3
	SnapshotError      PrepareStatus = 4
)

// srbIOControl mirrors the Windows SRB_IO_CONTROL header exactly, field
// for field, so its in-memory layout matches what the driver expects on
// the wire.
type srbIOControl struct {
	HeaderLength uint32
	Signature    [8]byte
	Timeout      uint32
	ControlCode  uint32
	ReturnCode   uint32
	Length       uint32
}

// vssBuffer is the full SRB_VSS_BUFFER the driver reads and writes in a
// single IOCTL_SCSI_MINIPORT call: header, then Target/Lun/Status.
type vssBuffer struct {
	srbIOControl
	Target uint8
	Lun    uint8
	Status uint64
}

func newVSSBuffer(cmd Command, target, lun uint8, timeoutSeconds uint32) (*vssBuffer, error) {
	code, err := controlCodeFor(cmd)
	if err != nil {
		return nil, err
	}
	var hdr srbIOControl
	var full vssBuffer
	headerLen := unsafe.Sizeof(hdr)
	buf := &vssBuffer{
		srbIOControl: srbIOControl{
			HeaderLength: uint32(headerLen),
			Timeout:      timeoutSeconds,
			ControlCode:  code,
			Length:       uint32(unsafe.Sizeof(full)) - uint32(headerLen),
		},
		Target: target,
		Lun:    lun,
	}
	copy(buf.Signature[:], signature)
	return buf, nil
}
