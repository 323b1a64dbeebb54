// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package vss

import (
	"fmt"
	"sort"
	"strings"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// vtable offsets for IVssExamineWriterMetadata, in the order
// VssWriter::InitializeWriter (writer.cpp) calls them.
const (
	vtWriterGetIdentity vtableOffset = 3 + iota
	vtWriterGetFileCounts
	vtWriterGetExcludeFile
	vtWriterGetComponent
)

// vtable offsets for IVssWMComponent, the metadata-time component handle
// (writer.cpp's VssComponent::InitializeComponent, IVssWMComponent
// overload).
const (
	vtComponentGetComponentInfo vtableOffset = 3 + iota
	vtComponentFreeComponentInfo
	vtComponentGetFile
	vtComponentGetDatabaseFile
	vtComponentGetDatabaseLogFile
)

// vtable offsets for IVssWMFiledesc (VssFileDescriptor::InitializeFd).
const (
	vtFiledescGetPath vtableOffset = 3 + iota
	vtFiledescGetFilespec
	vtFiledescGetRecursive
	vtFiledescGetAlternateLocation
)

// vssComponentInfo mirrors VSS_COMPONENTINFO field for field (vswriter.h),
// including the padding the real struct picks up aligning its BSTR
// pointers on amd64. GetComponentInfo hands back a pointer to one of
// these; FreeComponentInfo releases it.
type vssComponentInfo struct {
	Type                   int32
	_                      int32
	LogicalPath            uintptr
	ComponentName          uintptr
	Caption                uintptr
	Icon                   uintptr
	IconSize               uint32
	RestoreMetadata        byte
	NotifyOnBackupComplete byte
	Selectable             byte
	SelectableForRestore   byte
	ComponentFlags         uint32
	FileCount              uint32
	DatabaseCount          uint32
	LogFileCount           uint32
	DependencyCount        uint32
}

// readWriterMetadata walks GetWriterMetadataCount/GetWriterMetadata,
// parallel to GoogleVssClient::InitializeWriterMetadata.
func (c *comBackupComponents) readWriterMetadata() ([]*WriterRecord, error) {
	var count uint32
	if _, err := c.call(vtGetWriterMetadataCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return nil, fmt.Errorf("get writer metadata count: %w", err)
	}

	writers := make([]*WriterRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var instanceGUID ole.GUID
		var metadata *ole.IUnknown
		if _, err := c.call(vtGetWriterMetadata, uintptr(i),
			uintptr(unsafe.Pointer(&instanceGUID)), uintptr(unsafe.Pointer(&metadata))); err != nil {
			return nil, fmt.Errorf("get writer metadata %d: %w", i, err)
		}
		writer, err := readWriter(metadata)
		metadata.Release()
		if err != nil {
			return nil, fmt.Errorf("initialize writer %d: %w", i, err)
		}
		writers = append(writers, writer)
	}
	return writers, nil
}

// readWriter parses one IVssExamineWriterMetadata into a WriterRecord,
// paralleling VssWriter::InitializeWriter (writer.cpp): identity, file
// counts, every component, then is_top_level over the component set.
func readWriter(metadata *ole.IUnknown) (*WriterRecord, error) {
	var instanceGUID, writerGUID ole.GUID
	var nameBSTR uintptr
	var usage, source uint32
	if _, err := comCall(metadata, vtWriterGetIdentity,
		uintptr(unsafe.Pointer(&instanceGUID)), uintptr(unsafe.Pointer(&writerGUID)),
		uintptr(unsafe.Pointer(&nameBSTR)), uintptr(unsafe.Pointer(&usage)), uintptr(unsafe.Pointer(&source))); err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	name := bstrToString(nameBSTR)
	freeBSTR(nameBSTR)

	var includeFiles, excludeFiles, componentCount uint32
	if _, err := comCall(metadata, vtWriterGetFileCounts,
		uintptr(unsafe.Pointer(&includeFiles)), uintptr(unsafe.Pointer(&excludeFiles)),
		uintptr(unsafe.Pointer(&componentCount))); err != nil {
		return nil, fmt.Errorf("get file counts: %w", err)
	}

	writer := &WriterRecord{
		ID:         guidToString(&writerGUID),
		InstanceID: guidToString(&instanceGUID),
		Name:       name,
	}

	components := make([]*ComponentRecord, 0, componentCount)
	for i := uint32(0); i < componentCount; i++ {
		var componentObj *ole.IUnknown
		if _, err := comCall(metadata, vtWriterGetComponent, uintptr(i), uintptr(unsafe.Pointer(&componentObj))); err != nil {
			return nil, fmt.Errorf("get component %d: %w", i, err)
		}
		component, err := readComponent(name, componentObj)
		componentObj.Release()
		if err != nil {
			return nil, fmt.Errorf("initialize component %d: %w", i, err)
		}
		component.WriterID = writer.ID
		component.WriterInstanceID = writer.InstanceID
		components = append(components, component)
	}
	computeTopLevel(components)
	writer.Components = components
	return writer, nil
}

// readComponent parses one IVssWMComponent into a ComponentRecord,
// paralleling VssComponent::InitializeComponent's IVssWMComponent
// overload: component info, then file/database/log descriptors, then the
// affected-paths/affected-volumes computation over those descriptors.
func readComponent(writerName string, component *ole.IUnknown) (*ComponentRecord, error) {
	var infoPtr uintptr
	if _, err := comCall(component, vtComponentGetComponentInfo, uintptr(unsafe.Pointer(&infoPtr))); err != nil {
		return nil, fmt.Errorf("get component info: %w", err)
	}
	defer comCall(component, vtComponentFreeComponentInfo, infoPtr)

	info := (*vssComponentInfo)(unsafe.Pointer(infoPtr))
	name := bstrToString(info.ComponentName)
	logicalPath := bstrToString(info.LogicalPath)

	record := &ComponentRecord{
		WriterName:   writerName,
		Name:         name,
		LogicalPath:  logicalPath,
		FullPath:     componentFullPath(logicalPath, name),
		Type:         ComponentType(info.Type),
		IsSelectable: info.Selectable != 0,
	}

	for i := uint32(0); i < info.FileCount; i++ {
		desc, err := readFiledesc(component, vtComponentGetFile, i, DescriptorKindFileList)
		if err != nil {
			return nil, fmt.Errorf("get file %d: %w", i, err)
		}
		record.Descriptors = append(record.Descriptors, desc)
	}
	for i := uint32(0); i < info.DatabaseCount; i++ {
		desc, err := readFiledesc(component, vtComponentGetDatabaseFile, i, DescriptorKindDatabase)
		if err != nil {
			return nil, fmt.Errorf("get database file %d: %w", i, err)
		}
		record.Descriptors = append(record.Descriptors, desc)
	}
	for i := uint32(0); i < info.LogFileCount; i++ {
		desc, err := readFiledesc(component, vtComponentGetDatabaseLogFile, i, DescriptorKindDatabaseLog)
		if err != nil {
			return nil, fmt.Errorf("get database log file %d: %w", i, err)
		}
		record.Descriptors = append(record.Descriptors, desc)
	}

	record.AffectedPaths, record.AffectedVolumes = affectedPathsAndVolumes(record.Descriptors)
	return record, nil
}

func componentFullPath(logicalPath, name string) string {
	full := appendBackslash(logicalPath) + name
	if !strings.HasPrefix(full, `\`) {
		full = `\` + full
	}
	return full
}

func readFiledesc(component *ole.IUnknown, getter vtableOffset, index uint32, kind DescriptorKind) (FileDescriptor, error) {
	var fileDescObj *ole.IUnknown
	if _, err := comCall(component, getter, uintptr(index), uintptr(unsafe.Pointer(&fileDescObj))); err != nil {
		return FileDescriptor{}, err
	}
	defer fileDescObj.Release()
	return initializeFiledesc(fileDescObj, kind)
}

// initializeFiledesc parses one IVssWMFiledesc, paralleling
// VssFileDescriptor::InitializeFd: path/filespec/recursive/alternate
// location, then expand environment strings in the path and resolve the
// affected volume from the expanded path. A path that fails to expand is
// left with no expanded path or affected volume, the same as the original
// silently skipping that step on ExpandEnvironmentStringsW failure.
func initializeFiledesc(fileDesc *ole.IUnknown, kind DescriptorKind) (FileDescriptor, error) {
	var pathBSTR, filespecBSTR, alternateBSTR uintptr
	var recursive uint32

	if _, err := comCall(fileDesc, vtFiledescGetPath, uintptr(unsafe.Pointer(&pathBSTR))); err != nil {
		return FileDescriptor{}, fmt.Errorf("get path: %w", err)
	}
	if _, err := comCall(fileDesc, vtFiledescGetFilespec, uintptr(unsafe.Pointer(&filespecBSTR))); err != nil {
		return FileDescriptor{}, fmt.Errorf("get filespec: %w", err)
	}
	if _, err := comCall(fileDesc, vtFiledescGetRecursive, uintptr(unsafe.Pointer(&recursive))); err != nil {
		return FileDescriptor{}, fmt.Errorf("get recursive: %w", err)
	}
	if _, err := comCall(fileDesc, vtFiledescGetAlternateLocation, uintptr(unsafe.Pointer(&alternateBSTR))); err != nil {
		return FileDescriptor{}, fmt.Errorf("get alternate location: %w", err)
	}

	path := bstrToString(pathBSTR)
	desc := FileDescriptor{
		Kind:      kind,
		Path:      path,
		Filespec:  bstrToString(filespecBSTR),
		Recursive: recursive != 0,
	}
	freeBSTR(pathBSTR)
	freeBSTR(filespecBSTR)
	freeBSTR(alternateBSTR)

	expanded, err := windows.ExpandEnvironmentStrings(path)
	if err != nil {
		return desc, nil
	}
	desc.ExpandedPath = appendBackslash(expanded)
	if volume, err := uniqueVolumeNameForPath(desc.ExpandedPath); err == nil {
		desc.AffectedVolume = volume
	} else {
		desc.AffectedVolume = desc.ExpandedPath
	}
	return desc, nil
}

// uniqueVolumeNameForPath mirrors GetUniqueVolumeNameForPath (util.cpp):
// resolve path down to its volume mount point, then to the \\?\Volume{...}
// GUID path that identifies it regardless of drive letter reassignment.
func uniqueVolumeNameForPath(path string) (string, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", err
	}
	var mountPoint [windows.MAX_PATH]uint16
	if err := windows.GetVolumePathName(p, &mountPoint[0], uint32(len(mountPoint))); err != nil {
		return "", err
	}
	var volumeName [windows.MAX_PATH]uint16
	if err := windows.GetVolumeNameForVolumeMountPoint(&mountPoint[0], &volumeName[0], uint32(len(volumeName))); err != nil {
		return "", err
	}
	return windows.UTF16ToString(volumeName[:]), nil
}

// affectedPathsAndVolumes computes a component's AffectedPaths/AffectedVolumes
// from its descriptors: each list deduplicated in encounter order, with
// AffectedPaths additionally sorted (writer.cpp sorts affectedPaths but
// not affected_volumes).
func affectedPathsAndVolumes(descriptors []FileDescriptor) ([]string, []string) {
	var paths, volumes []string
	for _, d := range descriptors {
		if d.ExpandedPath != "" && !containsString(paths, d.ExpandedPath) {
			paths = append(paths, d.ExpandedPath)
		}
		if d.AffectedVolume != "" && !containsString(volumes, d.AffectedVolume) {
			volumes = append(volumes, d.AffectedVolume)
		}
	}
	sort.Strings(paths)
	return paths, volumes
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// readWriterStatus walks GetWriterStatusCount/GetWriterStatus, paralleling
// GoogleVssClient::ListWriterStatus (writer.cpp).
func (c *comBackupComponents) readWriterStatus() ([]WriterStatus, error) {
	var count uint32
	if _, err := c.call(vtGetWriterStatusCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return nil, fmt.Errorf("get writer status count: %w", err)
	}

	statuses := make([]WriterStatus, 0, count)
	for i := uint32(0); i < count; i++ {
		var instanceGUID, writerGUID ole.GUID
		var nameBSTR uintptr
		var state uint32
		var failureHR int32

		if _, err := c.call(vtGetWriterStatus, uintptr(i),
			uintptr(unsafe.Pointer(&instanceGUID)), uintptr(unsafe.Pointer(&writerGUID)),
			uintptr(unsafe.Pointer(&nameBSTR)), uintptr(unsafe.Pointer(&state)),
			uintptr(unsafe.Pointer(&failureHR))); err != nil {
			return nil, fmt.Errorf("get writer status %d: %w", i, err)
		}
		name := bstrToString(nameBSTR)
		freeBSTR(nameBSTR)

		status := WriterStatus{
			InstanceID: guidToString(&instanceGUID),
			WriterID:   guidToString(&writerGUID),
			Name:       name,
			State:      WriterState(state),
		}
		if failureHR != 0 {
			status.Failure = hresultError(uintptr(uint32(failureHR)))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// bstrToString converts a BSTR out-parameter into a Go string.
func bstrToString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	return ole.BstrToString((*uint16)(unsafe.Pointer(ptr)))
}

// freeBSTR releases a BSTR this file received as a method out-parameter.
func freeBSTR(ptr uintptr) {
	if ptr == 0 {
		return
	}
	ole.SysFreeString((*int16)(unsafe.Pointer(ptr)))
}
