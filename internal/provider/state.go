// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package provider implements the hardware-provider finite state machine
// loaded in-process by the coordinator during do_snapshot_set (spec
// §4.4), grounded on GoogleVssProvider/HwProvider.cpp. All state is
// guarded by one mutex; every transition is driven by a snapshot-set id
// supplied by the coordinator.
package provider

import (
	"sync"

	"github.com/google/uuid"

	pdvsserrors "pdvss-agent/errors"
)

// State mirrors VSS_SNAPSHOT_STATE as tracked by GHwProvider::snapState.
type State int

const (
	StateUnknown State = iota
	StatePreparing
	StatePrepared
	StatePreCommitted
	StateCommitted
	StateCreated
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StatePreparing:
		return "Preparing"
	case StatePrepared:
		return "Prepared"
	case StatePreCommitted:
		return "PreCommitted"
	case StateCommitted:
		return "Committed"
	case StateCreated:
		return "Created"
	case StateAborted:
		return "Aborted"
	default:
		return "Invalid"
	}
}

// Entry is one LUN tracked within the current snapshot set (spec §3,
// ProviderState.entries).
type Entry struct {
	OrigLunID string
	SnapLunID string
	DeviceID  []byte
}

// LunInput is one source LUN handed to BeginPrepareSnapshot.
type LunInput struct {
	OrigLunID string
	DeviceID  []byte
}

// CommitSink is how CommitSnapshots notifies the host that a (target,
// lun) pair is ready to be frozen, one fresh adapter channel per entry
// (spec §4.4's commit side-effect).
type CommitSink interface {
	SendCanProceed(target, lun uint8) error
}

// DeviceIDResolver maps the opaque device id carried in a coordinator LUN
// descriptor back to the (target, lun) pair the adapter driver
// understands, the Go equivalent of GetTargetLunForVDSStorageId.
type DeviceIDResolver interface {
	ResolveDeviceID(deviceID []byte) (target, lun uint8, err error)
}

// ProviderState is the hardware provider's mutable state (spec §3,
// ProviderState).
type ProviderState struct {
	mu sync.Mutex

	state         State
	snapshotSetID string
	entries       []Entry

	newSnapLunID func() string
}

// New returns a provider state machine in State Unknown.
func New() *ProviderState {
	return &ProviderState{
		state:        StateUnknown,
		newSnapLunID: func() string { return uuid.New().String() },
	}
}

// State returns the current state, for diagnostics and tests.
func (p *ProviderState) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BeginPrepareSnapshot implements the BeginPrepareSnapshot row of spec
// §4.4's state table: it may start a new snapshot set, append to the
// current one, or reset it, depending on the incoming snapshotSetID and
// the current state.
func (p *ProviderState) BeginPrepareSnapshot(snapshotSetID string, luns []LunInput) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePreparing:
		if snapshotSetID != p.snapshotSetID {
			p.entries = nil
		}
	case StateUnknown, StateCreated, StateAborted:
		p.entries = nil
	default:
		p.entries = nil
	}

	for _, lun := range luns {
		if p.findEntryLocked(lun.OrigLunID) != nil {
			continue
		}
		p.entries = append(p.entries, Entry{
			OrigLunID: lun.OrigLunID,
			SnapLunID: p.newSnapLunID(),
			DeviceID:  lun.DeviceID,
		})
		p.state = StatePreparing
		p.snapshotSetID = snapshotSetID
	}
}

// EndPrepareSnapshots advances Preparing -> Prepared.
func (p *ProviderState) EndPrepareSnapshots(snapshotSetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePreparing || snapshotSetID != p.snapshotSetID {
		p.abortLocked()
		return pdvsserrors.ErrProviderVeto
	}
	p.state = StatePrepared
	return nil
}

// PreCommitSnapshots advances Prepared -> PreCommitted.
func (p *ProviderState) PreCommitSnapshots(snapshotSetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePrepared || snapshotSetID != p.snapshotSetID {
		p.abortLocked()
		return pdvsserrors.ErrProviderVeto
	}
	p.state = StatePreCommitted
	return nil
}

// CommitSnapshots advances PreCommitted -> Committed, sending
// CAN_PROCEED/PREPARE_COMPLETE for every tracked entry under the mutex
// (spec §4.4's commit side-effect and §5's "must send its proceed IOCTL
// under the mutex" ordering requirement).
func (p *ProviderState) CommitSnapshots(snapshotSetID string, resolver DeviceIDResolver, sink CommitSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePreCommitted || snapshotSetID != p.snapshotSetID {
		p.abortLocked()
		return pdvsserrors.ErrProviderVeto
	}

	for _, entry := range p.entries {
		target, lun, err := resolver.ResolveDeviceID(entry.DeviceID)
		if err != nil {
			p.abortLocked()
			return pdvsserrors.ErrProviderVeto
		}
		if err := sink.SendCanProceed(target, lun); err != nil {
			p.abortLocked()
			return pdvsserrors.ErrProviderVeto
		}
	}
	p.state = StateCommitted
	return nil
}

// PostCommitSnapshots advances Committed -> Created.
func (p *ProviderState) PostCommitSnapshots(snapshotSetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCommitted || snapshotSetID != p.snapshotSetID {
		p.abortLocked()
		return pdvsserrors.ErrProviderVeto
	}
	p.state = StateCreated
	return nil
}

// AbortSnapshots moves to Aborted from any state except Created, which it
// leaves untouched (spec §4.4's abort-on-create exception).
func (p *ProviderState) AbortSnapshots() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateCreated {
		return
	}
	p.abortLocked()
}

// OnUnload treats an in-flight snapshot set as aborted and returns to
// Unknown.
func (p *ProviderState) OnUnload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateUnknown, StateAborted, StateCreated:
	default:
		p.entries = nil
	}
	p.state = StateUnknown
}

// SnapLunIDFor returns the snapshot LUN id recorded for origLunID, used by
// GetTargetLuns to validate that the source LUN is known to this set.
func (p *ProviderState) SnapLunIDFor(origLunID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry := p.findEntryLocked(origLunID); entry != nil {
		return entry.SnapLunID, true
	}
	return "", false
}

func (p *ProviderState) findEntryLocked(origLunID string) *Entry {
	for i := range p.entries {
		if p.entries[i].OrigLunID == origLunID {
			return &p.entries[i]
		}
	}
	return nil
}

func (p *ProviderState) abortLocked() {
	p.entries = nil
	p.state = StateAborted
}
