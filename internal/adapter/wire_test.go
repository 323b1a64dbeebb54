// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

package adapter

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestControlCodeFor(t *testing.T) {
	code, err := controlCodeFor(CommandRequested)
	require.NoError(t, err)
	require.Equal(t, controlCodeRequested, code)

	code, err = controlCodeFor(CommandCanProceed)
	require.NoError(t, err)
	require.Equal(t, controlCodeCanProceed, code)

	code, err = controlCodeFor(CommandDiscard)
	require.NoError(t, err)
	require.Equal(t, controlCodeDiscard, code)

	_, err = controlCodeFor(Command(99))
	require.Error(t, err)
}

func TestNewVSSBuffer(t *testing.T) {
	buf, err := newVSSBuffer(CommandCanProceed, 3, 1, 10)
	require.NoError(t, err)
	require.Equal(t, uint8(3), buf.Target)
	require.Equal(t, uint8(1), buf.Lun)
	require.Equal(t, controlCodeCanProceed, buf.ControlCode)
	require.Equal(t, uint32(10), buf.Timeout)
	require.Equal(t, "GOOOGVSS", signature)
	require.Equal(t, []byte(signature), buf.Signature[:len(signature)])

	var hdr srbIOControl
	require.Equal(t, uint32(unsafe.Sizeof(hdr)), buf.HeaderLength)
	require.Equal(t, uint32(unsafe.Sizeof(*buf))-buf.HeaderLength, buf.Length)
}

func TestSRBIOControlLayout(t *testing.T) {
	var hdr srbIOControl
	// 4 (HeaderLength) + 8 (Signature) + 4*3 (Timeout/ControlCode/ReturnCode) + 4 (Length)
	require.EqualValues(t, 28, unsafe.Sizeof(hdr))
}
