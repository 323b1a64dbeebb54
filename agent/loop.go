// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package agent implements the listener/processor loop described in spec
// §4.5: one goroutine blocks in the adapter's REQUESTED IOCTL, a second
// drains the resulting queue and drives one SnapshotSession per request.
// Everything OS-specific (opening adapter channels, creating named
// events, instantiating a coordinator session) is injected through small
// interfaces so the loop itself can run under `go test` on any platform;
// wiring_windows.go assembles the real, Windows-backed implementations.
package agent

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"pdvss-agent/internal/adapter"
	"pdvss-agent/internal/snapshot"
	"pdvss-agent/internal/topology"
	"pdvss-agent/internal/vss"
	"pdvss-agent/logging"
)

// Channel is the minimal surface the loop needs from an adapter handle.
type Channel interface {
	Send(cmd adapter.Command, target, lun uint8, status adapter.PrepareStatus) (uint8, uint8, error)
	Close() error
}

// ChannelOpener opens a fresh Channel onto the discovered adapter port.
// Every send_proceed and the startup/shutdown DISCARD opens its own
// Channel (spec §4.5: "opens a fresh adapter channel").
type ChannelOpener interface {
	Open() (Channel, error)
}

// EventGate creates (or fails to create) the named event gating
// agent/provider ownership of one (target, lun), spec §6.4. ok is false
// when the event could not be created, meaning "provider gate absent":
// the processor skips the request.
type EventGate interface {
	Create(target snapshot.Target) (closeFn func(), ok bool)
}

// CoordinatorFactory returns a fresh coordinator session, the Go
// equivalent of CreateVssBackupComponents + CoInitialize.
type CoordinatorFactory func() (vss.BackupComponents, error)

// Completion is what the processor reports once per processed request
// (spec §4.5, §6.5).
type Completion struct {
	Target  snapshot.Target
	Volumes snapshot.VolumeSet
	Err     error
}

// Notifier is told about each completed request so it can emit the
// SNAPSHOT_SUCCEED/SNAPSHOT_FAILED structured event (spec §4.6).
type Notifier interface {
	Notify(Completion)
}

// Loop is the listener/processor pair described in spec §4.5.
type Loop struct {
	opener   ChannelOpener
	resolver topology.Resolver
	events   EventGate
	coord    CoordinatorFactory
	notifier Notifier
	log      *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []snapshot.Target
	wake     bool
	stopping bool

	inFlight *lru.Cache

	listenerDone  chan struct{}
	processorDone chan struct{}
}

// New returns a Loop ready to Start. inFlightSize bounds the LRU of
// (target,lun) pairs the processor treats as already in progress
// (SPEC_FULL §4.5).
func New(opener ChannelOpener, resolver topology.Resolver, events EventGate, coord CoordinatorFactory,
	notifier Notifier, inFlightSize int, log *logging.Logger) (*Loop, error) {
	cache, err := lru.New(inFlightSize)
	if err != nil {
		return nil, fmt.Errorf("agent: creating in-flight cache: %w", err)
	}
	l := &Loop{
		opener:        opener,
		resolver:      resolver,
		events:        events,
		coord:         coord,
		notifier:      notifier,
		log:           log,
		inFlight:      cache,
		listenerDone:  make(chan struct{}),
		processorDone: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Start launches the listener and processor goroutines.
func (l *Loop) Start() {
	go l.processor()
	go l.listener()
}

// Stop requests both goroutines exit and blocks until they do (spec
// §4.5's shutdown sequence: set stopping, DISCARD to unblock the
// listener, join both).
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	if channel, err := l.opener.Open(); err != nil {
		l.log.Debugf("agent: stop: opening discard channel: %v", err)
	} else {
		if _, _, err := channel.Send(adapter.CommandDiscard, 0, 0, adapter.PrepareComplete); err != nil {
			l.log.Debugf("agent: stop: sending discard: %v", err)
		}
		channel.Close()
	}

	<-l.listenerDone
	<-l.processorDone
}

// listener blocks in the REQUESTED IOCTL on one dedicated channel,
// pushing every successfully reported (target, lun) onto the queue.
func (l *Loop) listener() {
	defer close(l.listenerDone)

	channel, err := l.opener.Open()
	if err != nil {
		l.log.Debugf("agent: listener: opening channel: %v", err)
		l.wakeProcessor()
		return
	}
	defer channel.Close()

	for {
		l.mu.Lock()
		stopping := l.stopping
		l.mu.Unlock()
		if stopping {
			break
		}

		target, lun, err := channel.Send(adapter.CommandRequested, 0, 0, 0)
		l.mu.Lock()
		stopping = l.stopping
		l.mu.Unlock()
		if stopping {
			break
		}
		if err != nil {
			l.log.Debugf("agent: listener: requested ioctl failed: %v", err)
			continue
		}

		l.enqueue(snapshot.Target{TargetID: target, Lun: lun})
	}
	l.wakeProcessor()
}

func (l *Loop) enqueue(t snapshot.Target) {
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.wake = true
	l.mu.Unlock()
	l.cond.Signal()
}

func (l *Loop) wakeProcessor() {
	l.mu.Lock()
	l.wake = true
	l.mu.Unlock()
	l.cond.Signal()
}

// processor drains the queue and drives one SnapshotSession per target,
// coalescing a target already mid-flight (SPEC_FULL §4.5).
func (l *Loop) processor() {
	defer close(l.processorDone)

	for {
		l.mu.Lock()
		for !l.wake {
			l.cond.Wait()
		}
		l.wake = false
		local := l.queue
		l.queue = nil
		stopping := l.stopping
		l.mu.Unlock()

		for _, target := range local {
			l.handle(target)
		}

		if stopping {
			return
		}
	}
}

func (l *Loop) handle(target snapshot.Target) {
	key := target.String()
	if _, seen := l.inFlight.Get(key); seen {
		l.log.Debugf("agent: %s already in flight, coalescing duplicate request", key)
		return
	}
	l.inFlight.Add(key, struct{}{})
	defer l.inFlight.Remove(key)

	volumes, err := l.resolver.Resolve(target)
	if err != nil {
		l.log.Debugf("agent: %s: resolving volumes: %v", key, err)
	}
	if len(volumes) == 0 {
		l.sendProceed(target, adapter.PrepareComplete)
		l.notifier.Notify(Completion{Target: target, Volumes: volumes})
		return
	}

	closeEvent, ok := l.events.Create(target)
	if !ok {
		l.log.Debugf("agent: %s: provider gate absent, skipping", key)
		return
	}
	defer closeEvent()

	coordinator, err := l.coord()
	if err != nil {
		l.log.Debugf("agent: %s: creating coordinator session: %v", key, err)
		l.sendProceed(target, adapter.PrepareError)
		l.notifier.Notify(Completion{Target: target, Volumes: volumes, Err: err})
		return
	}
	session := vss.NewSession(coordinator, l.log)
	defer session.Close()

	prepareFailed := false
	if err := session.Initialize(vss.ContextAppRollback); err == nil {
		if err := session.GatherWriterMetadata(); err != nil {
			prepareFailed = true
		} else if err := session.PrepareSnapshotSet(volumes); err != nil {
			prepareFailed = true
		}
	} else {
		prepareFailed = true
	}

	var sessionErr error
	if prepareFailed {
		l.sendProceed(target, adapter.PrepareError)
		sessionErr = fmt.Errorf("agent: %s: prepare failed", key)
	} else if err := session.DoSnapshotSet(); err != nil {
		l.sendProceed(target, adapter.SnapshotError)
		sessionErr = err
	} else {
		l.sendProceed(target, adapter.SnapshotComplete)
	}

	if sessionErr != nil {
		if err := session.AbortBackup(); err != nil {
			l.log.Debugf("agent: %s: abort backup: %v", key, err)
		}
	} else if err := session.BackupComplete(true); err != nil {
		l.log.Debugf("agent: %s: backup complete: %v", key, err)
	}

	l.notifier.Notify(Completion{Target: target, Volumes: volumes, Err: sessionErr})
}

func (l *Loop) sendProceed(target snapshot.Target, status adapter.PrepareStatus) {
	channel, err := l.opener.Open()
	if err != nil {
		l.log.Debugf("agent: %s: opening proceed channel: %v", target, err)
		return
	}
	defer channel.Close()

	if _, _, err := channel.Send(adapter.CommandCanProceed, target.TargetID, target.Lun, status); err != nil {
		l.log.Debugf("agent: %s: sending proceed: %v", target, err)
	}
}
