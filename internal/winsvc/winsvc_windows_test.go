// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package winsvc

import (
	"testing"

	wsvc "golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/debug"

	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	started, stopped bool
}

func (f *fakeLoop) Start() { f.started = true }
func (f *fakeLoop) Stop()  { f.stopped = true }

func TestHandler_ExecuteStopStopsLoop(t *testing.T) {
	loop := &fakeLoop{}
	h := &handler{loop: loop, eventLogger: debug.New("test")}

	requests := make(chan wsvc.ChangeRequest, 1)
	changes := make(chan wsvc.Status, 8)
	requests <- wsvc.ChangeRequest{Cmd: wsvc.Stop}
	close(requests)

	exit, errno := h.Execute(nil, requests, changes)

	require.False(t, exit)
	require.Zero(t, errno)
	require.True(t, loop.started)
	require.True(t, loop.stopped)

	var states []wsvc.State
	close(changes)
	for s := range changes {
		states = append(states, s.State)
	}
	require.Equal(t, []wsvc.State{wsvc.StartPending, wsvc.Running, wsvc.StopPending, wsvc.Stopped}, states)
}

func TestHandler_ExecuteInterrogateEchoesStatus(t *testing.T) {
	loop := &fakeLoop{}
	h := &handler{loop: loop, eventLogger: debug.New("test")}

	current := wsvc.Status{State: wsvc.Running}
	requests := make(chan wsvc.ChangeRequest, 2)
	changes := make(chan wsvc.Status, 8)
	requests <- wsvc.ChangeRequest{Cmd: wsvc.Interrogate, CurrentStatus: current}
	requests <- wsvc.ChangeRequest{Cmd: wsvc.Shutdown}
	close(requests)

	h.Execute(nil, requests, changes)
	close(changes)

	var sawInterrogateEcho bool
	for s := range changes {
		if s == current {
			sawInterrogateEcho = true
		}
	}
	require.True(t, sawInterrogateEcho)
}
