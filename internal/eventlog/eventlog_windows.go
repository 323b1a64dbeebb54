// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

// Package eventlog emits the two structured completion events spec §6.5
// names, SNAPSHOT_SUCCEED and SNAPSHOT_FAILED, each carrying
// {target, lun, volume_count, volume_ids...}. Every event is written both
// to the Windows Event Log (via golang.org/x/sys/windows/svc/eventlog,
// the same facility rancher-desktop's privileged-service uses for its own
// lifecycle logging) and, duplicated, to the agent's own rotating log
// file, so completion is visible in both places regardless of which one
// an operator happens to be watching.
package eventlog

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/windows/svc/eventlog"

	"pdvss-agent/internal/snapshot"
	"pdvss-agent/logging"
)

// Event ids filed under the agent's event source.
const (
	eventSnapshotSucceed uint32 = 1000
	eventSnapshotFailed  uint32 = 1001
)

// Recorder emits completion events.
type Recorder struct {
	elog    *eventlog.Log
	log     *logging.Logger
	hostTag string
}

// Open opens the Windows Event Log source, returning the error if it
// cannot be opened. source is normally the
// value of config.Config.EventLogSource. The host's OS/kernel version is
// fetched once and stamped on every event this Recorder emits, so a
// support bundle's event log alone identifies which build produced it.
func Open(source string, log *logging.Logger) (*Recorder, error) {
	elog, err := eventlog.Open(source)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening source %s: %w", source, err)
	}
	return &Recorder{elog: elog, log: log, hostTag: hostTag(log)}, nil
}

func hostTag(log *logging.Logger) string {
	info, err := host.Info()
	if err != nil {
		log.Debugf("eventlog: fetching host info: %v", err)
		return "unknown"
	}
	return fmt.Sprintf("%s/%s", info.Platform, info.PlatformVersion)
}

// Close releases the underlying event log handle.
func (r *Recorder) Close() error {
	if r.elog == nil {
		return nil
	}
	return r.elog.Close()
}

// Succeed records a successful snapshot request.
func (r *Recorder) Succeed(target snapshot.Target, volumes snapshot.VolumeSet) {
	msg := r.formatMessage("SNAPSHOT_SUCCEED", target, volumes)
	r.log.Printf("%s", msg)
	if err := r.elog.Info(eventSnapshotSucceed, msg); err != nil {
		r.log.Debugf("eventlog: writing SNAPSHOT_SUCCEED: %v", err)
	}
}

// Failed records a failed snapshot request.
func (r *Recorder) Failed(target snapshot.Target, volumes snapshot.VolumeSet, cause error) {
	msg := fmt.Sprintf("%s: %v", r.formatMessage("SNAPSHOT_FAILED", target, volumes), cause)
	r.log.Printf("%s", msg)
	if err := r.elog.Error(eventSnapshotFailed, msg); err != nil {
		r.log.Debugf("eventlog: writing SNAPSHOT_FAILED: %v", err)
	}
}

func (r *Recorder) formatMessage(kind string, target snapshot.Target, volumes snapshot.VolumeSet) string {
	return fmt.Sprintf("%s host=%s target=%d lun=%d volume_count=%d volumes=%v",
		kind, r.hostTag, target.TargetID, target.Lun, len(volumes), []string(volumes))
}
