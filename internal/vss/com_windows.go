// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package vss

import (
	"fmt"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	pdvsserrors "pdvss-agent/errors"
	"pdvss-agent/internal/snapshot"
)

// comBackupComponents is the thin transport binding BackupComponents to
// the real coordinator (vssapi.dll). Per the design note on inheritance
// of the coordinator provider interfaces, the FSM/selection logic in the
// rest of this package never touches COM directly; this file's only job
// is to dispatch each BackupComponents method onto the IVssBackupComponents
// vtable and translate HRESULTs into Go errors. It embeds go-ole's
// IUnknown for GUID/BSTR plumbing and process-wide CoInitialize handling,
// since there is no pure-Go IVssBackupComponents binding in the examples.
type comBackupComponents struct {
	obj *ole.IUnknown
}

var (
	vssapiDLL              = windows.NewLazySystemDLL("vssapi.dll")
	procCreateVssBackupComponents = vssapiDLL.NewProc("CreateVssBackupComponents")
)

// vtableOffset enumerates, in declaration order, the IVssBackupComponents
// methods this agent actually calls. IUnknown reserves slots 0-2
// (QueryInterface/AddRef/Release); everything used here starts at 3. The
// full interface carries many more methods this agent never calls — they
// are intentionally absent.
type vtableOffset uintptr

const (
	vtInitializeForBackup vtableOffset = 3 + iota
	vtSetContext
	vtSetBackupState
	vtGatherWriterMetadata
	vtGetWriterMetadataCount
	vtGetWriterMetadata
	vtGatherWriterStatus
	vtGetWriterStatusCount
	vtGetWriterStatus
	vtStartSnapshotSet
	vtAddToSnapshotSet
	vtAddComponent
	vtPrepareForBackup
	vtDoSnapshotSet
	vtBackupComplete
	vtAbortBackup
	vtSetBackupSucceeded
)

// NewCoordinator creates a coordinator backup-components session, the Go
// equivalent of CreateVssBackupComponents + CoInitialize.
func NewCoordinator() (BackupComponents, error) {
	if err := ole.CoInitialize(0); err != nil {
		return nil, fmt.Errorf("vss: CoInitialize: %w", err)
	}

	var unk *ole.IUnknown
	hr, _, _ := procCreateVssBackupComponents.Call(uintptr(unsafe.Pointer(&unk)))
	if failed(hr) {
		ole.CoUninitialize()
		return nil, fmt.Errorf("vss: CreateVssBackupComponents: %w", hresultError(hr))
	}
	return &comBackupComponents{obj: unk}, nil
}

func (c *comBackupComponents) call(offset vtableOffset, args ...uintptr) (uintptr, error) {
	return comCall(c.obj, offset, args...)
}

// comCall dispatches offset on obj's vtable, the same way (c
// *comBackupComponents).call does for IVssBackupComponents itself. It is
// shared with metadata_windows.go, which walks the IVssExamineWriterMetadata/
// IVssWMComponent/IVssWMFiledesc objects GatherWriterMetadata hands back.
func comCall(obj *ole.IUnknown, offset vtableOffset, args ...uintptr) (uintptr, error) {
	vtbl := (*[64]uintptr)(unsafe.Pointer(obj.RawVTable))
	fn := vtbl[offset]
	all := append([]uintptr{uintptr(unsafe.Pointer(obj))}, args...)
	r, _, _ := syscall.SyscallN(fn, all...)
	if failed(r) {
		return r, hresultError(r)
	}
	return r, nil
}

func (c *comBackupComponents) InitializeForBackup() error {
	_, err := c.call(vtInitializeForBackup)
	return err
}

func (c *comBackupComponents) SetContext(context uint32) error {
	_, err := c.call(vtSetContext, uintptr(context))
	return err
}

func (c *comBackupComponents) SetBackupState(selectComponents, bootableState, fullBackup, partialFileSupport bool) error {
	_, err := c.call(vtSetBackupState,
		boolToUintptr(selectComponents), boolToUintptr(bootableState),
		boolToUintptr(fullBackup), boolToUintptr(partialFileSupport))
	return err
}

// vssAsyncState mirrors the three outcomes QueryStatus can report on an
// IVssAsync returned by an asynchronous IVssBackupComponents method.
const (
	vssAsyncPending  int32 = 0x00042309
	vssAsyncFinished int32 = 0x0004230a
	vssAsyncCanceled int32 = 0x0004230b
)

// waitAsync blocks on the IVssAsync object an asynchronous coordinator
// call hands back, then translates a QueryStatus result other than
// VSS_S_ASYNC_FINISHED into an AsyncOperationError (spec §4.3.2). This is
// the Wait()/QueryStatus() step backupcomponents.go's BackupComponents
// doc comment describes each async method as performing internally.
func waitAsync(asyncObj *ole.IUnknown) error {
	if asyncObj == nil {
		return nil
	}
	defer asyncObj.Release()

	vtbl := (*[8]uintptr)(unsafe.Pointer(asyncObj.RawVTable))
	const vtAsyncWait = 4
	const vtAsyncQueryStatus = 5

	const infinite = 0xFFFFFFFF
	syscall.SyscallN(vtbl[vtAsyncWait], uintptr(unsafe.Pointer(asyncObj)), infinite)

	var hrResult int32
	var reserved int32
	syscall.SyscallN(vtbl[vtAsyncQueryStatus], uintptr(unsafe.Pointer(asyncObj)),
		uintptr(unsafe.Pointer(&hrResult)), uintptr(unsafe.Pointer(&reserved)))

	if hrResult != vssAsyncFinished {
		return pdvsserrors.NewAsyncOperationError("async operation did not finish, status %#08x", uint32(hrResult))
	}
	return nil
}

// GatherWriterMetadata submits the async call, waits, then walks
// GetWriterMetadataCount/GetWriterMetadata into WriterRecords (spec §4.3,
// gather_writer_metadata), paralleling
// GoogleVssClient::GatherWriterMetadata/InitializeWriterMetadata
// (writer.cpp). The per-writer/per-component enumeration itself lives in
// metadata_windows.go.
func (c *comBackupComponents) GatherWriterMetadata() ([]*WriterRecord, error) {
	var asyncObj *ole.IUnknown
	if _, err := c.call(vtGatherWriterMetadata, uintptr(unsafe.Pointer(&asyncObj))); err != nil {
		return nil, err
	}
	if err := waitAsync(asyncObj); err != nil {
		return nil, err
	}
	return c.readWriterMetadata()
}

// GatherWriterStatus submits the async call, waits, then walks
// GetWriterStatusCount/GetWriterStatus (spec §4.3.1), paralleling
// GoogleVssClient::GatherWriterStatus/ListWriterStatus (writer.cpp).
func (c *comBackupComponents) GatherWriterStatus() ([]WriterStatus, error) {
	var asyncObj *ole.IUnknown
	if _, err := c.call(vtGatherWriterStatus, uintptr(unsafe.Pointer(&asyncObj))); err != nil {
		return nil, err
	}
	if err := waitAsync(asyncObj); err != nil {
		return nil, err
	}
	return c.readWriterStatus()
}

func (c *comBackupComponents) StartSnapshotSet() (string, error) {
	var id ole.GUID
	if _, err := c.call(vtStartSnapshotSet, uintptr(unsafe.Pointer(&id))); err != nil {
		return "", err
	}
	return guidToString(&id), nil
}

func (c *comBackupComponents) AddToSnapshotSet(volumeName string) (string, error) {
	volBSTR, err := ole.SysAllocStringLen(volumeName)
	if err != nil {
		return "", err
	}
	defer ole.SysFreeString(volBSTR)

	providerGUID := ole.NewGUID(snapshot.ProviderID)
	var snapID ole.GUID
	if _, err := c.call(vtAddToSnapshotSet,
		uintptr(unsafe.Pointer(volBSTR)), uintptr(unsafe.Pointer(providerGUID)),
		uintptr(unsafe.Pointer(&snapID))); err != nil {
		return "", err
	}
	return guidToString(&snapID), nil
}

func (c *comBackupComponents) AddComponent(writerInstanceID, writerID string, componentType ComponentType, logicalPath, componentName string) error {
	instanceGUID := ole.NewGUID(writerInstanceID)
	writerGUID := ole.NewGUID(writerID)
	pathBSTR, err := ole.SysAllocStringLen(logicalPath)
	if err != nil {
		return err
	}
	defer ole.SysFreeString(pathBSTR)
	nameBSTR, err := ole.SysAllocStringLen(componentName)
	if err != nil {
		return err
	}
	defer ole.SysFreeString(nameBSTR)

	_, err = c.call(vtAddComponent,
		uintptr(unsafe.Pointer(instanceGUID)), uintptr(unsafe.Pointer(writerGUID)),
		uintptr(componentType), uintptr(unsafe.Pointer(pathBSTR)), uintptr(unsafe.Pointer(nameBSTR)))
	return err
}

func (c *comBackupComponents) PrepareForBackup() error {
	var asyncObj *ole.IUnknown
	if _, err := c.call(vtPrepareForBackup, uintptr(unsafe.Pointer(&asyncObj))); err != nil {
		return err
	}
	return waitAsync(asyncObj)
}

func (c *comBackupComponents) DoSnapshotSet() error {
	var asyncObj *ole.IUnknown
	if _, err := c.call(vtDoSnapshotSet, uintptr(unsafe.Pointer(&asyncObj))); err != nil {
		return err
	}
	return waitAsync(asyncObj)
}

func (c *comBackupComponents) BackupComplete() error {
	var asyncObj *ole.IUnknown
	if _, err := c.call(vtBackupComplete, uintptr(unsafe.Pointer(&asyncObj))); err != nil {
		return err
	}
	return waitAsync(asyncObj)
}

func (c *comBackupComponents) AbortBackup() error {
	_, err := c.call(vtAbortBackup)
	return err
}

func (c *comBackupComponents) SetBackupSucceeded(writerInstanceID, writerID string, componentType ComponentType, logicalPath, componentName string, succeeded bool) error {
	instanceGUID := ole.NewGUID(writerInstanceID)
	writerGUID := ole.NewGUID(writerID)
	pathBSTR, err := ole.SysAllocStringLen(logicalPath)
	if err != nil {
		return err
	}
	defer ole.SysFreeString(pathBSTR)
	nameBSTR, err := ole.SysAllocStringLen(componentName)
	if err != nil {
		return err
	}
	defer ole.SysFreeString(nameBSTR)

	_, err = c.call(vtSetBackupSucceeded,
		uintptr(unsafe.Pointer(instanceGUID)), uintptr(unsafe.Pointer(writerGUID)),
		uintptr(componentType), uintptr(unsafe.Pointer(pathBSTR)), uintptr(unsafe.Pointer(nameBSTR)),
		boolToUintptr(succeeded))
	return err
}

func (c *comBackupComponents) Free() {
	if c.obj != nil {
		c.obj.Release()
		c.obj = nil
	}
	ole.CoUninitialize()
}

func boolToUintptr(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

func failed(hr uintptr) bool {
	return int32(hr) < 0
}

func hresultError(hr uintptr) error {
	return fmt.Errorf("hresult %#08x", uint32(hr))
}

func guidToString(g *ole.GUID) string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}
