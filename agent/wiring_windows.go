// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package agent

import (
	"fmt"

	"golang.org/x/sys/windows"

	"pdvss-agent/config"
	"pdvss-agent/internal/adapter"
	"pdvss-agent/internal/eventlog"
	"pdvss-agent/internal/snapshot"
	"pdvss-agent/internal/topology"
	"pdvss-agent/internal/vss"
	"pdvss-agent/logging"
)

// adapterChannelOpener opens a Channel onto the already-discovered
// adapter port, the Windows-backed ChannelOpener the loop's listener and
// every send_proceed call use.
type adapterChannelOpener struct {
	port           int
	timeoutSeconds uint32
	log            *logging.Logger
}

// NewChannelOpener returns a ChannelOpener bound to port.
func NewChannelOpener(port int, timeoutSeconds uint32, log *logging.Logger) ChannelOpener {
	return &adapterChannelOpener{port: port, timeoutSeconds: timeoutSeconds, log: log}
}

func (o *adapterChannelOpener) Open() (Channel, error) {
	return adapter.Open(o.port, o.timeoutSeconds, o.log)
}

// namedEventGate creates the manual-reset named event spec §6.4 uses to
// hand (target, lun) ownership to the provider for the duration of one
// snapshot request.
type namedEventGate struct{}

// NewEventGate returns an EventGate backed by CreateEvent.
func NewEventGate() EventGate {
	return namedEventGate{}
}

func (namedEventGate) Create(target snapshot.Target) (func(), bool) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`Global\PDVSS-%d-%d`, target.TargetID, target.Lun))
	if err != nil {
		return nil, false
	}
	handle, err := windows.CreateEvent(nil, 1 /* manual-reset */, 0 /* initially non-signaled */, name)
	if err != nil {
		return nil, false
	}
	return func() { windows.CloseHandle(handle) }, true
}

// coordinatorNotifier records every completion to the Windows Event Log
// and the rotating log file via internal/eventlog, spec §4.6.
type coordinatorNotifier struct {
	recorder *eventlog.Recorder
}

// NewNotifier returns a Notifier backed by an eventlog.Recorder.
func NewNotifier(recorder *eventlog.Recorder) Notifier {
	return &coordinatorNotifier{recorder: recorder}
}

func (n *coordinatorNotifier) Notify(c Completion) {
	if c.Err != nil {
		n.recorder.Failed(c.Target, c.Volumes, c.Err)
		return
	}
	n.recorder.Succeed(c.Target, c.Volumes)
}

// Assemble discovers the host adapter and wires a ready-to-Start Loop
// around it, the Windows counterpart of New's platform-neutral
// constructor. It implements spec §4.5's startup sequence: discover,
// optionally DISCARD once, then begin listening.
func Assemble(cfg *config.Config, log *logging.Logger) (*Loop, *eventlog.Recorder, error) {
	port, err := adapter.Discover(cfg.AdapterScanLimit, log)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: discovering adapter: %w", err)
	}

	timeout := uint32(cfg.IOCTLTimeoutSeconds)
	opener := NewChannelOpener(port, timeout, log)

	if cfg.DiscardOnStart {
		channel, err := opener.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("agent: opening startup discard channel: %w", err)
		}
		_, _, err = channel.Send(adapter.CommandDiscard, 0, 0, adapter.PrepareComplete)
		channel.Close()
		if err != nil {
			log.Debugf("agent: startup discard failed: %v", err)
		}
	}

	recorder, err := eventlog.Open(cfg.EventLogSource, log)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: opening event log: %w", err)
	}

	resolver := topology.NewResolver(port, log)
	events := NewEventGate()
	coord := func() (vss.BackupComponents, error) { return vss.NewCoordinator() }
	notifier := NewNotifier(recorder)

	loop, err := New(opener, resolver, events, coord, notifier, cfg.SeenOperationCacheSize, log)
	if err != nil {
		recorder.Close()
		return nil, nil, err
	}
	return loop, recorder, nil
}
