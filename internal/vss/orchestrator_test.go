// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package vss

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pdvss-agent/internal/snapshot"
)

// fakeBackupComponents is an in-memory BackupComponents used to drive
// SnapshotSession without a real coordinator.
type fakeBackupComponents struct {
	writers  []*WriterRecord
	statuses []WriterStatus

	addedVolumes    []string
	addedComponents []string
	succeededCalls  []bool

	failPrepare  error
	failDoSet    error
	freed        bool
}

func (f *fakeBackupComponents) InitializeForBackup() error { return nil }
func (f *fakeBackupComponents) SetContext(uint32) error    { return nil }
func (f *fakeBackupComponents) SetBackupState(bool, bool, bool, bool) error { return nil }

func (f *fakeBackupComponents) GatherWriterMetadata() ([]*WriterRecord, error) {
	return f.writers, nil
}

func (f *fakeBackupComponents) GatherWriterStatus() ([]WriterStatus, error) {
	return f.statuses, nil
}

func (f *fakeBackupComponents) StartSnapshotSet() (string, error) { return "set-1", nil }

func (f *fakeBackupComponents) AddToSnapshotSet(volumeName string) (string, error) {
	f.addedVolumes = append(f.addedVolumes, volumeName)
	return "snap-" + volumeName, nil
}

func (f *fakeBackupComponents) AddComponent(_, _ string, _ ComponentType, _, componentName string) error {
	f.addedComponents = append(f.addedComponents, componentName)
	return nil
}

func (f *fakeBackupComponents) PrepareForBackup() error { return f.failPrepare }
func (f *fakeBackupComponents) DoSnapshotSet() error     { return f.failDoSet }
func (f *fakeBackupComponents) BackupComplete() error    { return nil }
func (f *fakeBackupComponents) AbortBackup() error       { return nil }

func (f *fakeBackupComponents) SetBackupSucceeded(_, _ string, _ ComponentType, _, _ string, succeeded bool) error {
	f.succeededCalls = append(f.succeededCalls, succeeded)
	return nil
}

func (f *fakeBackupComponents) Free() { f.freed = true }

func TestSnapshotSession_PrepareSnapshotSet(t *testing.T) {
	c := component(`writer\db`, true, true, `C:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{c}}
	fake := &fakeBackupComponents{writers: []*WriterRecord{writer}}

	session := NewSession(fake, testLogger())
	require.NoError(t, session.Initialize(ContextAppRollback))
	require.NoError(t, session.GatherWriterMetadata())
	require.NoError(t, session.PrepareSnapshotSet(snapshot.VolumeSet{`C:\`}))

	require.Equal(t, []string{`C:\`}, fake.addedVolumes)
	require.Equal(t, []string{`writer\db`}, fake.addedComponents)
	require.Equal(t, "set-1", session.snapshotSetID)
}

func TestSnapshotSession_PrepareSnapshotSet_FailedWriterIsFatal(t *testing.T) {
	c := component(`writer\db`, true, true, `C:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{c}}
	fake := &fakeBackupComponents{
		writers: []*WriterRecord{writer},
		statuses: []WriterStatus{
			{InstanceID: "w1", Name: "sql", State: WriterStateFailedAtPrepareBackup},
		},
	}

	session := NewSession(fake, testLogger())
	require.NoError(t, session.Initialize(ContextAppRollback))
	require.NoError(t, session.GatherWriterMetadata())

	err := session.PrepareSnapshotSet(snapshot.VolumeSet{`C:\`})
	require.Error(t, err)
}

func TestSnapshotSession_BackupComplete_NoComponentsIsNoop(t *testing.T) {
	fake := &fakeBackupComponents{}
	session := NewSession(fake, testLogger())

	require.NoError(t, session.BackupComplete(true))
	require.Empty(t, fake.succeededCalls)
}

func TestSnapshotSession_BackupComplete_NotifiesIncludedComponents(t *testing.T) {
	c := component(`writer\db`, true, true, `C:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{c}}
	fake := &fakeBackupComponents{writers: []*WriterRecord{writer}}

	session := NewSession(fake, testLogger())
	require.NoError(t, session.GatherWriterMetadata())
	require.NoError(t, session.PrepareSnapshotSet(snapshot.VolumeSet{`C:\`}))

	require.NoError(t, session.BackupComplete(true))
	require.Equal(t, []bool{true}, fake.succeededCalls)
}

func TestSnapshotSession_AbortBackup_NoopUnlessPrepared(t *testing.T) {
	fake := &fakeBackupComponents{}
	session := NewSession(fake, testLogger())

	require.NoError(t, session.AbortBackup())

	session.abortOnFailure = true
	require.NoError(t, session.AbortBackup())
	require.False(t, session.abortOnFailure, "AbortBackup resets abort_on_failure")

	// a second call after the flag has been consumed is a no-op (spec §8:
	// calling abort twice is equivalent to once)
	require.NoError(t, session.AbortBackup())
}

func TestSnapshotSession_PrepareSnapshotSet_PropagatesCoordinatorFailure(t *testing.T) {
	fake := &fakeBackupComponents{failPrepare: errors.New("backend unavailable")}
	session := NewSession(fake, testLogger())

	err := session.PrepareSnapshotSet(snapshot.VolumeSet{})
	require.Error(t, err)
}

func TestSnapshotSession_Close(t *testing.T) {
	fake := &fakeBackupComponents{}
	session := NewSession(fake, testLogger())
	session.Close()
	require.True(t, fake.freed)
}
