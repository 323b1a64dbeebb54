// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package vss

// Context flags composed by the caller and passed to Initialize, mirroring
// the VSS_VOLSNAP_ATTR_* flags OR'd together in PrepareVolumes
// (googlevssclient.cpp).
const (
	ContextTransportable  uint32 = 0x00000001
	ContextNoAutoRecovery uint32 = 0x00000008
	ContextAppRollback    uint32 = ContextTransportable | ContextNoAutoRecovery
)

// WriterState mirrors VSS_WRITER_STATE.
type WriterState int

const (
	WriterStateUnknown WriterState = iota
	WriterStateStable
	WriterStateWaitingForFreeze
	WriterStateWaitingForThaw
	WriterStateWaitingForPostSnapshot
	WriterStateWaitingForBackupComplete
	WriterStateFailedAtIdentify
	WriterStateFailedAtPrepareBackup
	WriterStateFailedAtPrepareSnapshot
	WriterStateFailedAtFreeze
	WriterStateFailedAtThaw
	WriterStateFailedAtPostSnapshot
	WriterStateFailedAtBackupComplete
	WriterStateFailedAtPreRestore
	WriterStateFailedAtPostRestore
)

// Failed reports whether s is one of the nine FAILED_AT_* states (spec
// §4.3.1).
func (s WriterState) Failed() bool {
	return s >= WriterStateFailedAtIdentify
}

// WriterStatus is one entry returned by GatherWriterStatus.
type WriterStatus struct {
	InstanceID string
	WriterID   string
	Name       string
	State      WriterState
	Failure    error
}

// BackupComponents is the coordinator capability set the orchestrator
// drives, matching IVssBackupComponents' method names one for one (per
// spec §9's "capability set" design note). Every asynchronous coordinator
// call (GatherWriterMetadata, PrepareForBackup, DoSnapshotSet,
// BackupComplete, GatherWriterStatus) is expected to perform
// its own Wait()/QueryStatus() internally and translate a non-"async
// finished" status into an error (spec §4.3.2) — this keeps the
// orchestrator itself free of COM-specific async machinery.
type BackupComponents interface {
	InitializeForBackup() error
	SetContext(context uint32) error
	SetBackupState(selectComponents, bootableState, fullBackup, partialFileSupport bool) error

	GatherWriterMetadata() ([]*WriterRecord, error)
	GatherWriterStatus() ([]WriterStatus, error)

	StartSnapshotSet() (snapshotSetID string, err error)
	AddToSnapshotSet(volumeName string) (snapshotID string, err error)
	AddComponent(writerInstanceID, writerID string, componentType ComponentType, logicalPath, componentName string) error

	PrepareForBackup() error
	DoSnapshotSet() error
	BackupComplete() error
	AbortBackup() error

	SetBackupSucceeded(writerInstanceID, writerID string, componentType ComponentType, logicalPath, componentName string, succeeded bool) error

	// Free releases the coordinator session. Safe to call more than once.
	Free()
}
