// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package snapshot

// ProviderID, ProviderName, ProviderVersion and ProviderVersionID are the
// fixed hardware-provider identity the orchestrator registers volumes
// against and the provider FSM answers to (spec §6.3). internal/vss's
// AddToSnapshotSet passes ProviderID; the name and version constants are
// not referenced elsewhere in this module.
const (
	ProviderID        = "b5719000-454a-4dd0-8afd-e57facd5d900"
	ProviderName      = "Google PDVSS HW Provider"
	ProviderVersion   = "1.0"
	ProviderVersionID = "00561d00-0472-4fbc-b738-3d2634104500"
)

// VendorToken is the 8-byte ASCII vendor token prefixing every storage-id
// payload (spec §6.3): "Google" null-padded to 8 bytes.
var VendorToken = [8]byte{'G', 'o', 'o', 'g', 'l', 'e', 0, 0}
