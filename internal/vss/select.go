// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package vss

import (
	"pdvss-agent/internal/snapshot"
	"pdvss-agent/logging"
)

// SelectComponentsForBackup runs the four ordered passes described in
// spec §4.3 step 1, grounded on GoogleVssClient::SelectComponentsForBackup
// (select.cpp). It mutates IsExcluded/IsExplicitlyIncluded in place and
// returns the components that should be added to the snapshot set, in
// writer then component order.
func SelectComponentsForBackup(writers []*WriterRecord, volumes snapshot.VolumeSet, log *logging.Logger) []*ComponentRecord {
	discoverNonShadowedExcludedComponents(writers, volumes, log)
	discoverAllExcludedComponents(writers, log)
	discoverExcludedWriters(writers, log)
	discoverExplicitlyIncludedComponents(writers, log)
	return explicitlyIncludedComponents(writers)
}

// discoverNonShadowedExcludedComponents excludes any component that
// requires a volume not present in the shadow set.
func discoverNonShadowedExcludedComponents(writers []*WriterRecord, volumes snapshot.VolumeSet, log *logging.Logger) {
	for _, writer := range writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			if component.IsExcluded {
				continue
			}
			for _, vol := range component.AffectedVolumes {
				if !volumes.Contains(vol) {
					log.Debugf("component %s from writer %s excluded: requires volume %s outside the shadow set",
						component.FullPath, writer.Name, vol)
					component.IsExcluded = true
					break
				}
			}
		}
	}
}

// discoverAllExcludedComponents propagates exclusion upward: a component
// with an excluded descendant is itself excluded.
func discoverAllExcludedComponents(writers []*WriterRecord, log *logging.Logger) {
	for _, writer := range writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			for _, descendant := range writer.Components {
				if component.IsAncestorOf(descendant) && descendant.IsExcluded {
					log.Debugf("component %s from writer %s excluded: has excluded descendant %s",
						component.FullPath, writer.Name, descendant.Name)
					component.IsExcluded = true
					break
				}
			}
		}
	}
}

// discoverExcludedWriters excludes a writer that either has no eligible
// component, or has an excluded top-level non-selectable component.
func discoverExcludedWriters(writers []*WriterRecord, log *logging.Logger) {
	for _, writer := range writers {
		if writer.Excluded {
			continue
		}
		writer.Excluded = true
		for _, component := range writer.Components {
			if component.CanBeExplicitlyIncluded() {
				writer.Excluded = false
				break
			}
		}
		if writer.Excluded {
			log.Debugf("writer %s excluded: no component eligible for inclusion", writer.Name)
			continue
		}
		for _, component := range writer.Components {
			if component.IsTopLevel && !component.IsSelectable && component.IsExcluded {
				log.Debugf("writer %s excluded: top-level non-selectable component %s is excluded",
					writer.Name, component.FullPath)
				writer.Excluded = true
				break
			}
		}
	}
}

// discoverExplicitlyIncludedComponents marks, per writer, the shallowest
// eligible components on each path as explicitly included.
func discoverExplicitlyIncludedComponents(writers []*WriterRecord, log *logging.Logger) {
	for _, writer := range writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			if !component.CanBeExplicitlyIncluded() {
				continue
			}
			component.IsExplicitlyIncluded = true
			for _, ancestor := range writer.Components {
				if ancestor.IsAncestorOf(component) && ancestor.CanBeExplicitlyIncluded() {
					component.IsExplicitlyIncluded = false
					break
				}
			}
		}
	}
}

func explicitlyIncludedComponents(writers []*WriterRecord) []*ComponentRecord {
	var selected []*ComponentRecord
	for _, writer := range writers {
		if writer.Excluded {
			continue
		}
		for _, component := range writer.Components {
			if component.IsExplicitlyIncluded {
				selected = append(selected, component)
			}
		}
	}
	return selected
}

// computeTopLevel marks, for each component in a writer, whether any
// other component in the same writer is its ancestor (spec §3's
// is_top_level, grounded on VssWriter::InitializeWriter).
func computeTopLevel(components []*ComponentRecord) {
	for _, c := range components {
		c.IsTopLevel = true
	}
	for _, a := range components {
		for _, b := range components {
			if a.IsAncestorOf(b) {
				b.IsTopLevel = false
			}
		}
	}
}
