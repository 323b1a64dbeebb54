// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package snapshot holds the small data types shared across the adapter,
// topology, vss and provider packages, so none of them need to import one
// another just to talk about "which disk".
package snapshot

import (
	"fmt"
	"strings"
)

// Target identifies a disk by its SCSI address, as reported by the host
// in a REQUESTED IOCTL (spec §3, SnapshotTarget).
type Target struct {
	TargetID uint8
	Lun      uint8
}

// String renders the target the way it appears in named-event names and
// log lines ("Global\PDVSS-<target>-<lun>").
func (t Target) String() string {
	return fmt.Sprintf("%d-%d", t.TargetID, t.Lun)
}

// VolumeSet is the ordered, de-duplicated sequence of canonical OS volume
// identifiers backed by one Target (spec §3, VolumeSet). An empty set is
// a valid outcome: "disk carries no mountable volume".
type VolumeSet []string

// Contains reports whether id is present, case-insensitively, matching
// the identifier-exact comparison spec §4.3 prepare_snapshot_set uses
// when discovering non-shadowed exclusions.
func (v VolumeSet) Contains(id string) bool {
	for _, existing := range v {
		if strings.EqualFold(existing, id) {
			return true
		}
	}
	return false
}
