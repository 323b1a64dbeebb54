// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package vss

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"pdvss-agent/internal/snapshot"
	"pdvss-agent/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "test", false)
}

func component(fullPath string, selectable, topLevel bool, volumes ...string) *ComponentRecord {
	return &ComponentRecord{
		Name:            fullPath,
		FullPath:        fullPath,
		IsSelectable:    selectable,
		IsTopLevel:      topLevel,
		AffectedVolumes: volumes,
	}
}

func TestSelectComponentsForBackup_ExcludesComponentOutsideShadowSet(t *testing.T) {
	c1 := component(`writer\db1`, true, true, `C:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{c1}}

	selected := SelectComponentsForBackup([]*WriterRecord{writer}, snapshot.VolumeSet{`D:\`}, testLogger())

	require.Empty(t, selected)
	require.True(t, c1.IsExcluded)
	require.True(t, writer.Excluded)
}

func TestSelectComponentsForBackup_SelectsShallowestEligibleComponent(t *testing.T) {
	parent := component(`writer\db`, true, true, `C:\`)
	child := component(`writer\db\table`, true, false, `C:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{parent, child}}

	selected := SelectComponentsForBackup([]*WriterRecord{writer}, snapshot.VolumeSet{`C:\`}, testLogger())

	require.Len(t, selected, 1)
	require.Same(t, parent, selected[0])
	require.True(t, parent.IsExplicitlyIncluded)
	require.False(t, child.IsExplicitlyIncluded)
	require.False(t, writer.Excluded)
}

func TestSelectComponentsForBackup_ExclusionPropagatesToAncestor(t *testing.T) {
	parent := component(`writer\db`, false, true, `C:\`)
	child := component(`writer\db\table`, true, false, `D:\`)
	writer := &WriterRecord{Name: "sql", InstanceID: "w1", Components: []*ComponentRecord{parent, child}}

	selected := SelectComponentsForBackup([]*WriterRecord{writer}, snapshot.VolumeSet{`C:\`}, testLogger())

	require.True(t, child.IsExcluded)
	require.True(t, parent.IsExcluded, "non-selectable top-level ancestor inherits its excluded descendant's exclusion")
	require.True(t, writer.Excluded, "writer has no eligible component left")
	require.Empty(t, selected)
}

func TestSelectComponentsForBackup_WriterExcludedWhenNoComponentEligible(t *testing.T) {
	c := component(`writer\other`, false, false, `C:\`)
	writer := &WriterRecord{Name: "w", InstanceID: "w1", Components: []*ComponentRecord{c}}

	selected := SelectComponentsForBackup([]*WriterRecord{writer}, snapshot.VolumeSet{`C:\`}, testLogger())

	require.True(t, writer.Excluded)
	require.Empty(t, selected)
}

func TestSelectComponentsForBackup_MultipleWritersIndependent(t *testing.T) {
	good := component(`w1\db`, true, true, `C:\`)
	w1 := &WriterRecord{Name: "w1", InstanceID: "1", Components: []*ComponentRecord{good}}

	bad := component(`w2\db`, true, true, `E:\`)
	w2 := &WriterRecord{Name: "w2", InstanceID: "2", Components: []*ComponentRecord{bad}}

	selected := SelectComponentsForBackup([]*WriterRecord{w1, w2}, snapshot.VolumeSet{`C:\`}, testLogger())

	require.Len(t, selected, 1)
	require.Same(t, good, selected[0])
	require.False(t, w1.Excluded)
	require.True(t, w2.Excluded)
}

func TestComputeTopLevel(t *testing.T) {
	parent := component(`db`, false, false, `C:\`)
	child := component(`db\table`, false, false, `C:\`)
	grandchild := component(`db\table\blob`, false, false, `C:\`)

	computeTopLevel([]*ComponentRecord{parent, child, grandchild})

	require.True(t, parent.IsTopLevel)
	require.False(t, child.IsTopLevel)
	require.False(t, grandchild.IsTopLevel)
}

func TestIsAncestorOf(t *testing.T) {
	parent := &ComponentRecord{FullPath: `C:\data`}
	child := &ComponentRecord{FullPath: `C:\data\table`}
	sibling := &ComponentRecord{FullPath: `C:\datafile`}

	require.True(t, parent.IsAncestorOf(child))
	require.False(t, parent.IsAncestorOf(sibling), "prefix match must land on a path-segment boundary")
	require.False(t, parent.IsAncestorOf(parent), "a component is not its own ancestor")
}
