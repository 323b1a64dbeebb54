// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package provider

import (
	"bytes"
	"fmt"

	pdvsserrors "pdvss-agent/errors"
	"pdvss-agent/internal/adapter"
	"pdvss-agent/internal/topology"
	"pdvss-agent/logging"
)

// physicalDriveResolver implements DeviceIDResolver by walking
// \\.\PhysicalDriveN, matching each disk's page-0x83 device id against
// the one carried in the coordinator LUN descriptor, the Go equivalent
// of GetTargetLunForVDSStorageId's SetupDiGetClassDevs enumeration.
type physicalDriveResolver struct {
	log *logging.Logger
}

// NewDeviceIDResolver returns a DeviceIDResolver backed by the local
// physical disk enumeration.
func NewDeviceIDResolver(log *logging.Logger) DeviceIDResolver {
	return &physicalDriveResolver{log: log}
}

func (r *physicalDriveResolver) ResolveDeviceID(deviceID []byte) (uint8, uint8, error) {
	for disk := uint32(0); disk < topology.MaxPhysicalDrives; disk++ {
		id, err := topology.DeviceIDForDisk(disk)
		if err != nil {
			continue
		}
		if !bytes.Equal(id, deviceID) {
			continue
		}
		addr, err := topology.ScsiAddressForDisk(disk)
		if err != nil {
			r.log.Debugf("provider: resolved device id to disk %d but scsi address lookup failed: %v", disk, err)
			return 0, 0, err
		}
		return addr.TargetID, addr.Lun, nil
	}
	return 0, 0, fmt.Errorf("provider: %w: no physical disk matches device id", pdvsserrors.ErrNotFound)
}

// commitTimeoutSeconds bounds the CAN_PROCEED IOCTL, matching the
// "PREPARE_COMPLETE" proceed calls the rest of the agent issues.
const commitTimeoutSeconds = 10

// adapterCommitSink sends CAN_PROCEED/PREPARE_COMPLETE on a fresh adapter
// channel per entry, per spec §4.4's commit side-effect ("a fresh adapter
// channel").
type adapterCommitSink struct {
	port int
	log  *logging.Logger
}

// NewCommitSink returns a CommitSink that opens one adapter channel per
// SendCanProceed call against the given adapter port.
func NewCommitSink(port int, log *logging.Logger) CommitSink {
	return &adapterCommitSink{port: port, log: log}
}

func (s *adapterCommitSink) SendCanProceed(target, lun uint8) error {
	channel, err := adapter.Open(s.port, commitTimeoutSeconds, s.log)
	if err != nil {
		return fmt.Errorf("provider: opening commit channel: %w", err)
	}
	defer channel.Close()

	_, _, err = channel.Send(adapter.CommandCanProceed, target, lun, adapter.PrepareComplete)
	if err != nil {
		return fmt.Errorf("provider: sending can-proceed: %w", err)
	}
	return nil
}
