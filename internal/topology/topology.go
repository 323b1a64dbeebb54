// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package topology resolves a SCSI target/lun reported by the adapter
// channel into the set of OS volume identifiers backed by it (spec §4.2).
package topology

import (
	"pdvss-agent/internal/snapshot"
)

// Resolver maps a snapshot.Target to the volumes currently mounted from it.
type Resolver interface {
	Resolve(target snapshot.Target) (snapshot.VolumeSet, error)
}
