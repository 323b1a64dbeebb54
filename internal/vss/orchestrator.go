// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package vss

import (
	"fmt"

	pdvsserrors "pdvss-agent/errors"
	"pdvss-agent/internal/snapshot"
	"pdvss-agent/logging"
)

// SnapshotSession drives one coordinator backup-components session through
// the lifecycle described in spec §4.3: initialize, gather writer
// metadata, prepare the snapshot set, create it, then report completion.
// One SnapshotSession exists per processed SnapshotTarget (spec §3).
type SnapshotSession struct {
	coordinator BackupComponents
	log         *logging.Logger

	writers        []*WriterRecord
	snapshotSetID  string
	snapshotIDs    map[string]string
	abortOnFailure bool
}

// NewSession returns a session bound to coordinator.
func NewSession(coordinator BackupComponents, log *logging.Logger) *SnapshotSession {
	return &SnapshotSession{
		coordinator: coordinator,
		log:         log,
		snapshotIDs: make(map[string]string),
	}
}

// Initialize creates the coordinator session and applies the supplied
// context (spec §4.3, initialize).
func (s *SnapshotSession) Initialize(context uint32) error {
	if err := s.coordinator.InitializeForBackup(); err != nil {
		return fmt.Errorf("initialize for backup: %w", err)
	}
	if err := s.coordinator.SetContext(context); err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	const (
		selectComponents   = true
		bootableState      = true
		fullBackup         = true
		partialFileSupport = false
	)
	if err := s.coordinator.SetBackupState(selectComponents, bootableState, fullBackup, partialFileSupport); err != nil {
		return fmt.Errorf("set backup state: %w", err)
	}
	return nil
}

// GatherWriterMetadata asks the coordinator for writer metadata and keeps
// the resulting WriterRecords for selection (spec §4.3,
// gather_writer_metadata).
func (s *SnapshotSession) GatherWriterMetadata() error {
	writers, err := s.coordinator.GatherWriterMetadata()
	if err != nil {
		return fmt.Errorf("gather writer metadata: %w", err)
	}
	s.writers = writers
	return nil
}

// PrepareSnapshotSet runs the five steps of spec §4.3's prepare_snapshot_set.
func (s *SnapshotSession) PrepareSnapshotSet(volumes snapshot.VolumeSet) error {
	selected := SelectComponentsForBackup(s.writers, volumes, s.log)

	snapshotSetID, err := s.coordinator.StartSnapshotSet()
	if err != nil {
		return fmt.Errorf("start snapshot set: %w", err)
	}
	s.snapshotSetID = snapshotSetID

	for _, vol := range volumes {
		snapshotID, err := s.coordinator.AddToSnapshotSet(vol)
		if err != nil {
			return fmt.Errorf("add volume %s to snapshot set: %w", vol, err)
		}
		s.snapshotIDs[vol] = snapshotID
	}

	for _, component := range selected {
		s.log.Debugf("adding component %s from writer %s", component.FullPath, component.WriterName)
		if err := s.coordinator.AddComponent(component.WriterInstanceID, component.WriterID,
			component.Type, component.LogicalPath, component.Name); err != nil {
			return fmt.Errorf("add component %s: %w", component.FullPath, err)
		}
	}

	if err := s.coordinator.PrepareForBackup(); err != nil {
		return fmt.Errorf("prepare for backup: %w", err)
	}
	s.abortOnFailure = true

	return s.checkSelectedWriterStatus()
}

// DoSnapshotSet runs the freeze window: the coordinator synchronously
// invokes the provider FSM here, and the provider's CommitSnapshots is
// what releases the host (spec §4.3, do_snapshot_set).
func (s *SnapshotSession) DoSnapshotSet() error {
	if err := s.coordinator.DoSnapshotSet(); err != nil {
		return fmt.Errorf("do snapshot set: %w", err)
	}
	return s.checkSelectedWriterStatus()
}

// BackupComplete notifies each explicitly-included component's writer of
// the backup outcome, then issues the coordinator's BackupComplete (spec
// §4.3, backup_complete). A session with zero writer components is a
// no-op success.
func (s *SnapshotSession) BackupComplete(succeeded bool) error {
	if s.componentCount() == 0 {
		return nil
	}
	for _, writer := range s.writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			if !component.IsExplicitlyIncluded {
				continue
			}
			if err := s.coordinator.SetBackupSucceeded(component.WriterInstanceID, component.WriterID,
				component.Type, component.LogicalPath, component.Name, succeeded); err != nil {
				return fmt.Errorf("set backup succeeded for %s: %w", component.FullPath, err)
			}
		}
	}
	if err := s.coordinator.BackupComplete(); err != nil {
		return fmt.Errorf("backup complete: %w", err)
	}
	return nil
}

// AbortBackup issues the coordinator's abort call only if abort_on_failure
// has been set (spec §4.3, abort_backup). Idempotent: the first call
// clears abort_on_failure, so calling it again is a no-op, matching "abort_backup called twice is equivalent to once" (spec
// §8).
func (s *SnapshotSession) AbortBackup() error {
	if !s.abortOnFailure {
		return nil
	}
	s.abortOnFailure = false
	if err := s.coordinator.AbortBackup(); err != nil {
		return fmt.Errorf("abort backup: %w", err)
	}
	return nil
}

// Close releases the coordinator session.
func (s *SnapshotSession) Close() {
	s.coordinator.Free()
}

func (s *SnapshotSession) componentCount() int {
	count := 0
	for _, writer := range s.writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			if component.IsExplicitlyIncluded {
				count++
			}
		}
	}
	return count
}

// checkSelectedWriterStatus implements spec §4.3.1: any selected writer
// reporting one of the nine FAILED_AT_* states is fatal.
func (s *SnapshotSession) checkSelectedWriterStatus() error {
	statuses, err := s.coordinator.GatherWriterStatus()
	if err != nil {
		return fmt.Errorf("gather writer status: %w", err)
	}
	for _, status := range statuses {
		if !s.isWriterSelected(status.InstanceID) {
			continue
		}
		if status.State.Failed() {
			return pdvsserrors.NewWriterFailedError(
				"selected writer %s (instance %s) is in failed state %d", status.Name, status.InstanceID, status.State)
		}
	}
	return nil
}

func (s *SnapshotSession) isWriterSelected(instanceID string) bool {
	for _, writer := range s.writers {
		if writer.InstanceID == instanceID && !writer.Excluded {
			return true
		}
	}
	return false
}
