// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package topology

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"pdvss-agent/internal/snapshot"
	"pdvss-agent/logging"
)

// Control codes absent from golang.org/x/sys/windows: these are the
// storage-class IOCTLs GetHardDiskNumberFromVolume/GetScsiAddressForHardDisk
// issue against volume and PhysicalDriveN handles.
const (
	ioctlVolumeGetVolumeDiskExtents uint32 = 0x00560000
	ioctlSCSIGetAddress             uint32 = 0x00041018
	ioctlStorageQueryProperty       uint32 = 0x002D1400
)

// maxDiskExtents bounds the VOLUME_DISK_EXTENTS scratch buffer. A volume
// spanning more extents than this is not something vioscsi-backed disks
// produce; resolution simply stops looking past it.
const maxDiskExtents = 32

// MaxPhysicalDrives bounds the \\.\PhysicalDriveN enumeration internal/provider
// walks when reverse-resolving a page-0x83 device id to a (target, lun): a
// host carrying more disks than this could only be a configuration this
// provider was never meant to run against.
const MaxPhysicalDrives = 64

// ScsiAddress is the decoded SCSI_ADDRESS for one \\.\PhysicalDriveN handle.
type ScsiAddress struct {
	PortNumber uint8
	PathID     uint8
	TargetID   uint8
	Lun        uint8
}

// ScsiAddressForDisk returns the SCSI address of \\.\PhysicalDrive<diskNumber>.
func ScsiAddressForDisk(diskNumber uint32) (ScsiAddress, error) {
	addr, err := scsiAddressForDisk(diskNumber)
	if err != nil {
		return ScsiAddress{}, err
	}
	return ScsiAddress{PortNumber: addr.portNumber, PathID: addr.pathID, TargetID: addr.targetID, Lun: addr.lun}, nil
}

// DeviceIDForDisk returns the raw page-0x83 device identifier
// (StorageDeviceIdProperty) reported by \\.\PhysicalDrive<diskNumber>,
// matching the bytes a coordinator LUN descriptor carries for the same
// disk (spec §6.2).
func DeviceIDForDisk(diskNumber uint32) ([]byte, error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\PhysicalDrive%d`, diskNumber))
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(name, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(handle)

	type storagePropertyQuery struct {
		PropertyID uint32
		QueryType  uint32
		Byte       [1]byte
	}
	const storageDeviceIDProperty uint32 = 2
	const propertyStandardQuery uint32 = 0
	query := storagePropertyQuery{PropertyID: storageDeviceIDProperty, QueryType: propertyStandardQuery}

	buf := make([]byte, 8192)
	var bytesReturned uint32
	if err := windows.DeviceIoControl(handle, ioctlStorageQueryProperty,
		(*byte)(unsafe.Pointer(&query)), uint32(unsafe.Sizeof(query)),
		&buf[0], uint32(len(buf)), &bytesReturned, nil); err != nil {
		return nil, err
	}

	// STORAGE_DEVICE_ID_DESCRIPTOR: Version, Size, NumberOfIdentifiers,
	// followed by NumberOfIdentifiers STORAGE_IDENTIFIER entries.
	numIdentifiers := binary.LittleEndian.Uint32(buf[8:12])
	if numIdentifiers != 1 {
		return nil, fmt.Errorf("topology: expected exactly one device identifier, got %d", numIdentifiers)
	}
	// STORAGE_IDENTIFIER: CodeSet(4) Type(4) IdentifierSize(2) NextOffset(2)
	// Association(4) Identifier[IdentifierSize].
	idOffset := 12
	identifierSize := int(binary.LittleEndian.Uint16(buf[idOffset+8 : idOffset+10]))
	identifierStart := idOffset + 16
	if identifierStart+identifierSize > len(buf) {
		return nil, fmt.Errorf("topology: device identifier overruns query buffer")
	}
	id := make([]byte, identifierSize)
	copy(id, buf[identifierStart:identifierStart+identifierSize])
	return id, nil
}

// scsiResolver walks every fixed volume on the host and keeps the ones
// whose backing disk resolves to the given (adapter port, target, lun),
// the way GetVolumesForScsiTarget does (spec §4.2).
type scsiResolver struct {
	adapterPort int
	log         *logging.Logger
}

// NewResolver returns a Resolver bound to the given adapter port number.
func NewResolver(adapterPort int, log *logging.Logger) Resolver {
	return &scsiResolver{adapterPort: adapterPort, log: log}
}

func (r *scsiResolver) Resolve(target snapshot.Target) (snapshot.VolumeSet, error) {
	var volumeName [windows.MAX_PATH]uint16
	handle, err := windows.FindFirstVolume(&volumeName[0], uint32(len(volumeName)))
	if err != nil {
		return nil, fmt.Errorf("topology: enumerating volumes: %w", err)
	}
	defer windows.FindVolumeClose(handle)

	var volumes snapshot.VolumeSet
	for {
		name := windows.UTF16ToString(volumeName[:])
		if windows.GetDriveType(&volumeName[0]) == windows.DRIVE_FIXED {
			matched, err := r.volumeMatchesTarget(name, target)
			if err != nil {
				r.log.Debugf("topology: skipping volume %s: %v", name, err)
			} else if matched {
				volumes = append(volumes, name)
			}
		}

		if err := windows.FindNextVolume(handle, &volumeName[0], uint32(len(volumeName))); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return volumes, fmt.Errorf("topology: iterating volumes: %w", err)
		}
	}
	return volumes, nil
}

func (r *scsiResolver) volumeMatchesTarget(volumeName string, target snapshot.Target) (bool, error) {
	diskNumbers, err := diskNumbersForVolume(volumeName)
	if err != nil {
		return false, err
	}
	for _, diskNumber := range diskNumbers {
		addr, err := scsiAddressForDisk(diskNumber)
		if err != nil {
			r.log.Debugf("topology: getting scsi address for disk %d: %v", diskNumber, err)
			continue
		}
		if int(addr.portNumber) == r.adapterPort && addr.targetID == target.TargetID && addr.lun == target.Lun {
			return true, nil
		}
	}
	return false, nil
}

func diskNumbersForVolume(volumeName string) ([]uint32, error) {
	trimmed := volumeName
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\\' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	path, err := windows.UTF16PtrFromString(trimmed)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(path, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(handle)

	buf := make([]byte, 8+maxDiskExtents*24)
	var bytesReturned uint32
	if err := windows.DeviceIoControl(handle, ioctlVolumeGetVolumeDiskExtents, nil, 0,
		&buf[0], uint32(len(buf)), &bytesReturned, nil); err != nil {
		return nil, err
	}

	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	if count > maxDiskExtents {
		count = maxDiskExtents
	}
	numbers := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		off := 8 + i*24
		numbers = append(numbers, binary.LittleEndian.Uint32(buf[off:off+4]))
	}
	return numbers, nil
}

type scsiAddress struct {
	portNumber uint8
	pathID     uint8
	targetID   uint8
	lun        uint8
}

func scsiAddressForDisk(diskNumber uint32) (scsiAddress, error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\PhysicalDrive%d`, diskNumber))
	if err != nil {
		return scsiAddress{}, err
	}
	handle, err := windows.CreateFile(name, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return scsiAddress{}, err
	}
	defer windows.CloseHandle(handle)

	var buf [8]byte
	var bytesReturned uint32
	if err := windows.DeviceIoControl(handle, ioctlSCSIGetAddress, nil, 0,
		&buf[0], uint32(len(buf)), &bytesReturned, nil); err != nil {
		return scsiAddress{}, err
	}
	return scsiAddress{
		portNumber: buf[4],
		pathID:     buf[5],
		targetID:   buf[6],
		lun:        buf[7],
	}, nil
}
