// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package agent

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pdvss-agent/internal/adapter"
	"pdvss-agent/internal/snapshot"
	"pdvss-agent/internal/vss"
	"pdvss-agent/logging"
)

// fakeChannel feeds a scripted sequence of (target, lun, err) results to
// CommandRequested sends, one per call, and records every CommandCanProceed
// and CommandDiscard it receives.
type fakeChannel struct {
	mu sync.Mutex

	requested []requestedResult
	next      int
	// exhausted blocks the listener goroutine until closed, mirroring
	// the real driver's "blocks in the kernel" behaviour once the
	// scripted results run out.
	exhausted chan struct{}

	sent []sentCall
}

type requestedResult struct {
	target, lun uint8
	err         error
}

type sentCall struct {
	cmd    adapter.Command
	target uint8
	lun    uint8
	status adapter.PrepareStatus
}

func (f *fakeChannel) Send(cmd adapter.Command, target, lun uint8, status adapter.PrepareStatus) (uint8, uint8, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentCall{cmd, target, lun, status})
	if cmd != adapter.CommandRequested {
		f.mu.Unlock()
		return 0, 0, nil
	}
	if f.next >= len(f.requested) {
		f.mu.Unlock()
		<-f.exhausted
		return 0, 0, errors.New("fakeChannel: exhausted")
	}
	r := f.requested[f.next]
	f.next++
	f.mu.Unlock()
	return r.target, r.lun, r.err
}

func (f *fakeChannel) Close() error { return nil }

// fakeOpener hands out one shared listener channel and a fresh proceed
// channel (sharing the same sent log) per Open call, the way every
// send_proceed/discard call opens its own handle onto the same port. A
// CommandDiscard sent on any channel unblocks the listener's pending
// REQUESTED, mirroring the miniport driver unblocking the one outstanding
// IOCTL regardless of which handle issued the DISCARD.
type fakeOpener struct {
	mu           sync.Mutex
	listener     *fakeChannel
	listenerUsed bool
	proceeds     []*fakeChannel
	unblocked    bool
}

func newFakeOpener(results []requestedResult) *fakeOpener {
	return &fakeOpener{
		listener: &fakeChannel{requested: results, exhausted: make(chan struct{})},
	}
}

func (o *fakeOpener) Open() (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.listenerUsed {
		o.listenerUsed = true
		return o.listener, nil
	}
	c := &fakeDiscardChannel{fakeChannel: fakeChannel{exhausted: make(chan struct{})}, owner: o}
	o.proceeds = append(o.proceeds, &c.fakeChannel)
	return c, nil
}

func (o *fakeOpener) unblock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.unblocked {
		o.unblocked = true
		close(o.listener.exhausted)
	}
}

// fakeDiscardChannel is a proceed-side channel whose CommandDiscard also
// releases the listener's blocked channel.
type fakeDiscardChannel struct {
	fakeChannel
	owner *fakeOpener
}

func (f *fakeDiscardChannel) Send(cmd adapter.Command, target, lun uint8, status adapter.PrepareStatus) (uint8, uint8, error) {
	if cmd == adapter.CommandDiscard {
		f.owner.unblock()
	}
	return f.fakeChannel.Send(cmd, target, lun, status)
}

func (o *fakeOpener) allProceedCalls() []sentCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	var calls []sentCall
	for _, c := range o.proceeds {
		calls = append(calls, c.sent...)
	}
	return calls
}

type fakeResolver struct {
	volumes snapshot.VolumeSet
	err     error
}

func (f fakeResolver) Resolve(snapshot.Target) (snapshot.VolumeSet, error) {
	return f.volumes, f.err
}

type fakeEventGate struct {
	ok     bool
	closed int
}

func (f *fakeEventGate) Create(snapshot.Target) (func(), bool) {
	if !f.ok {
		return nil, false
	}
	return func() { f.closed++ }, true
}

type fakeNotifier struct {
	mu          sync.Mutex
	completions []Completion
}

func (f *fakeNotifier) Notify(c Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions)
}

// fakeCoordinator is a minimal vss.BackupComponents stand-in: every call
// succeeds, no writers are reported, so PrepareSnapshotSet/DoSnapshotSet
// fly through with nothing to select.
type fakeCoordinator struct {
	freed bool
}

func (f *fakeCoordinator) InitializeForBackup() error { return nil }
func (f *fakeCoordinator) SetContext(uint32) error    { return nil }
func (f *fakeCoordinator) SetBackupState(bool, bool, bool, bool) error {
	return nil
}
func (f *fakeCoordinator) GatherWriterMetadata() ([]*vss.WriterRecord, error) { return nil, nil }
func (f *fakeCoordinator) GatherWriterStatus() ([]vss.WriterStatus, error)    { return nil, nil }
func (f *fakeCoordinator) StartSnapshotSet() (string, error)                 { return "set-1", nil }
func (f *fakeCoordinator) AddToSnapshotSet(string) (string, error)           { return "snap-1", nil }
func (f *fakeCoordinator) AddComponent(string, string, vss.ComponentType, string, string) error {
	return nil
}
func (f *fakeCoordinator) PrepareForBackup() error { return nil }
func (f *fakeCoordinator) DoSnapshotSet() error     { return nil }
func (f *fakeCoordinator) BackupComplete() error    { return nil }
func (f *fakeCoordinator) AbortBackup() error        { return nil }
func (f *fakeCoordinator) SetBackupSucceeded(string, string, vss.ComponentType, string, string, bool) error {
	return nil
}
func (f *fakeCoordinator) Free() { f.freed = true }

func testLoop(t *testing.T, opener *fakeOpener, resolver fakeResolver, events *fakeEventGate,
	notifier *fakeNotifier) *Loop {
	t.Helper()
	log := logging.New(&discardWriter{}, "test", false)
	coordFactory := func() (vss.BackupComponents, error) { return &fakeCoordinator{}, nil }
	loop, err := New(opener, resolver, events, coordFactory, notifier, 32, log)
	require.NoError(t, err)
	return loop
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestLoop_NoVolumesSendsPrepareCompleteWithoutCoordinator(t *testing.T) {
	opener := newFakeOpener([]requestedResult{{target: 1, lun: 2}})
	resolver := fakeResolver{volumes: nil}
	events := &fakeEventGate{ok: true}
	notifier := &fakeNotifier{}

	loop := testLoop(t, opener, resolver, events, notifier)
	loop.Start()

	waitFor(t, time.Second, func() bool { return notifier.count() == 1 })
	loop.Stop()

	calls := opener.allProceedCalls()
	require.Len(t, calls, 2) // one CanProceed, one Discard from Stop
	require.Equal(t, adapter.CommandCanProceed, calls[0].cmd)
	require.Equal(t, adapter.PrepareComplete, calls[0].status)
	require.Equal(t, 0, events.closed, "event gate should never be touched when there are no volumes")
}

func TestLoop_WithVolumesRunsFullSession(t *testing.T) {
	opener := newFakeOpener([]requestedResult{{target: 3, lun: 4}})
	resolver := fakeResolver{volumes: snapshot.VolumeSet{"C:\\"}}
	events := &fakeEventGate{ok: true}
	notifier := &fakeNotifier{}

	loop := testLoop(t, opener, resolver, events, notifier)
	loop.Start()

	waitFor(t, time.Second, func() bool { return notifier.count() == 1 })
	loop.Stop()

	calls := opener.allProceedCalls()
	require.Condition(t, func() bool {
		for _, c := range calls {
			if c.cmd == adapter.CommandCanProceed && c.status == adapter.SnapshotComplete {
				return true
			}
		}
		return false
	})
	require.Equal(t, 1, events.closed, "the named event must be released once the session ends")
}

func TestLoop_EventGateAbsentSkipsRequest(t *testing.T) {
	opener := newFakeOpener([]requestedResult{{target: 5, lun: 6}})
	resolver := fakeResolver{volumes: snapshot.VolumeSet{"C:\\"}}
	events := &fakeEventGate{ok: false}
	notifier := &fakeNotifier{}

	loop := testLoop(t, opener, resolver, events, notifier)
	loop.Start()

	// give the processor a chance to run; it should skip silently and
	// never call the notifier since no session was driven.
	time.Sleep(50 * time.Millisecond)
	loop.Stop()

	require.Equal(t, 0, notifier.count())
}

func TestLoop_DuplicateRequestsAreCoalesced(t *testing.T) {
	opener := newFakeOpener([]requestedResult{
		{target: 7, lun: 8},
		{target: 7, lun: 8},
	})
	resolver := fakeResolver{volumes: nil}
	events := &fakeEventGate{ok: true}
	notifier := &fakeNotifier{}

	loop := testLoop(t, opener, resolver, events, notifier)

	// pre-seed the in-flight cache so both scripted requests are seen as
	// already-in-progress duplicates.
	loop.inFlight.Add(fmt.Sprintf("%d-%d", 7, 8), struct{}{})
	loop.Start()

	time.Sleep(50 * time.Millisecond)
	loop.Stop()

	require.Equal(t, 0, notifier.count(), "both requests should have been coalesced against the pre-seeded entry")
}

func TestLoop_StopUnblocksListenerViaDiscard(t *testing.T) {
	opener := newFakeOpener(nil)
	resolver := fakeResolver{}
	events := &fakeEventGate{ok: true}
	notifier := &fakeNotifier{}

	loop := testLoop(t, opener, resolver, events, notifier)
	loop.Start()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		opener.unblock()
		require.Fail(t, "Stop did not return; listener likely still blocked in Send")
	}
}
