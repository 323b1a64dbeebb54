// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package provider

import (
	pdvsserrors "pdvss-agent/errors"
	"pdvss-agent/internal/snapshot"
)

// ProductID is the product-id field every supported LUN descriptor must
// carry (spec §6.2).
const ProductID = "PersistentDisk"

// LunDescriptor is the subset of a coordinator VDS_LUN_INFORMATION this
// provider inspects.
type LunDescriptor struct {
	ProductID string
	DeviceID  []byte
}

// EventChecker reports whether the well-known named event for (target,
// lun) currently exists, the agent/provider LUN-ownership handshake
// described in spec §6.4.
type EventChecker interface {
	EventExists(target, lun uint8) bool
}

// AreLunsSupported implements GHwProvider::AreLunsSupported /
// IsLunSupported: every LUN must report the persistent-disk product id,
// carry exactly one device identifier that resolves to a (target, lun)
// pair, and have a live named event for that pair (spec §4.4).
func AreLunsSupported(luns []LunDescriptor, resolver DeviceIDResolver, events EventChecker) bool {
	for _, lun := range luns {
		if lun.ProductID != ProductID {
			return false
		}
		if len(lun.DeviceID) == 0 {
			return false
		}
		target, scsiLun, err := resolver.ResolveDeviceID(lun.DeviceID)
		if err != nil {
			return false
		}
		if !events.EventExists(target, scsiLun) {
			return false
		}
	}
	return true
}

// TargetLunDescriptor is one synthesized destination LUN returned by
// GetTargetLuns.
type TargetLunDescriptor struct {
	OrigLunID string
	StorageID []byte
}

// newStorageID mirrors GetTargetLuns' VDS_STORAGE_IDENTIFIER synthesis:
// the fixed 8-byte vendor token followed by a freshly generated GUID
// (spec §6.3). newGUID is injected so tests can make it deterministic.
func newStorageID(newGUID func() [16]byte) []byte {
	id := make([]byte, 0, 24)
	id = append(id, snapshot.VendorToken[:]...)
	guid := newGUID()
	id = append(id, guid[:]...)
	return id
}

// GetTargetLuns implements GHwProvider::GetTargetLuns: for every source
// LUN already known to p (by its OrigLunID), synthesize a destination
// storage id. A LUN not previously recorded by BeginPrepareSnapshot fails
// the whole call with a provider-veto error.
func (p *ProviderState) GetTargetLuns(origLunIDs []string, newGUID func() [16]byte) ([]TargetLunDescriptor, error) {
	result := make([]TargetLunDescriptor, 0, len(origLunIDs))
	for _, id := range origLunIDs {
		if _, ok := p.SnapLunIDFor(id); !ok {
			return nil, pdvsserrors.ErrProviderVeto
		}
		result = append(result, TargetLunDescriptor{
			OrigLunID: id,
			StorageID: newStorageID(newGUID),
		})
	}
	return result, nil
}
