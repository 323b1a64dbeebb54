// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package vss holds the in-memory writer/component model, the component
// selection algorithm and the backup orchestrator that drives a coordinator
// through one snapshot set (spec §4.3). None of this package is
// Windows-specific except com_windows.go, the thin transport binding
// BackupComponents to the real coordinator.
package vss

import "strings"

// ComponentType mirrors VSS_COMPONENT_TYPE.
type ComponentType int

const (
	ComponentTypeUndefined ComponentType = iota
	ComponentTypeDatabase
	ComponentTypeFileGroup
)

// DescriptorKind mirrors VSS_DESCRIPTOR_TYPE.
type DescriptorKind int

const (
	DescriptorKindUndefined DescriptorKind = iota
	DescriptorKindExcludeFiles
	DescriptorKindFileList
	DescriptorKindDatabase
	DescriptorKindDatabaseLog
)

// FileDescriptor is one file-group/database/log descriptor reported by a
// writer's metadata (spec §3, FileDescriptor).
type FileDescriptor struct {
	Kind           DescriptorKind
	Path           string
	Filespec       string
	Recursive      bool
	ExpandedPath   string
	AffectedVolume string
}

// ComponentRecord is one writer component (spec §3, ComponentRecord).
type ComponentRecord struct {
	WriterName       string
	WriterID         string
	WriterInstanceID string
	Name             string
	LogicalPath      string
	FullPath         string
	Type             ComponentType

	IsSelectable         bool
	IsTopLevel           bool
	IsExcluded           bool
	IsExplicitlyIncluded bool

	AffectedPaths   []string
	AffectedVolumes []string
	Descriptors     []FileDescriptor
}

// IsAncestorOf reports whether c is an ancestor of other: c.FullPath is a
// path-segment-boundary prefix of other.FullPath, and the two are not
// equal (spec §3's ancestor definition, grounded on
// VssComponent::IsAncestorOf).
func (c *ComponentRecord) IsAncestorOf(other *ComponentRecord) bool {
	if len(other.FullPath) <= len(c.FullPath) {
		return false
	}
	parent := appendBackslash(c.FullPath)
	childPrefix := appendBackslash(other.FullPath)
	if len(childPrefix) < len(parent) {
		return false
	}
	return strings.EqualFold(parent, childPrefix[:len(parent)])
}

// CanBeExplicitlyIncluded reports whether c is eligible to be included:
// not excluded, and either selectable or top-level (spec §4.3 step 1,
// grounded on VssComponent::CanBeExplicitlyIncluded).
func (c *ComponentRecord) CanBeExplicitlyIncluded() bool {
	if c.IsExcluded {
		return false
	}
	return c.IsSelectable || c.IsTopLevel
}

func appendBackslash(path string) string {
	if strings.HasSuffix(path, `\`) {
		return path
	}
	return path + `\`
}

// WriterRecord is one writer reported by the coordinator (spec §3,
// WriterRecord).
type WriterRecord struct {
	ID         string
	InstanceID string
	Name       string
	Excluded   bool
	Components []*ComponentRecord
}
