// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package winsvc

import (
	"fmt"

	"golang.org/x/sys/windows"
	wsvc "golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/debug"
	"golang.org/x/sys/windows/svc/eventlog"
)

// RunService registers name's handler with the Windows service control
// manager, or runs it in the foreground debug harness when isDebug is
// set, mirroring rancher-desktop's privileged-service RunService.
func RunService(name string, loop AgentLoop, isDebug bool) error {
	elog, err := initEventlogger(name, isDebug)
	if err != nil {
		return fmt.Errorf("winsvc: opening event logger: %w", err)
	}
	defer elog.Close()

	_ = elog.Info(uint32(windows.NO_ERROR), fmt.Sprintf("%s service starting", name))

	run := wsvc.Run
	if isDebug {
		run = debug.Run
	}

	handler := &handler{loop: loop, eventLogger: elog}
	if err := run(name, handler); err != nil {
		_ = elog.Error(uint32(windows.ERROR_EXCEPTION_IN_SERVICE), fmt.Sprintf("%s service failed: %v", name, err))
		return err
	}
	_ = elog.Info(uint32(windows.NO_ERROR), fmt.Sprintf("%s service stopped", name))
	return nil
}

func initEventlogger(name string, isDebug bool) (debug.Log, error) {
	if isDebug {
		return debug.New(name), nil
	}
	return eventlog.Open(name)
}

// handler implements golang.org/x/sys/windows/svc.Handler, starting and
// stopping the agent loop around the service's own StartPending/Running/
// StopPending transitions.
type handler struct {
	loop        AgentLoop
	eventLogger debug.Log
}

func (h *handler) Execute(args []string, r <-chan wsvc.ChangeRequest, changes chan<- wsvc.Status) (bool, uint32) {
	const cmdsAccepted = wsvc.AcceptStop | wsvc.AcceptShutdown

	changes <- wsvc.Status{State: wsvc.StartPending}
	h.loop.Start()
	_ = h.eventLogger.Info(uint32(windows.NO_ERROR), "agent loop started")
	changes <- wsvc.Status{State: wsvc.Running, Accepts: cmdsAccepted}

	for c := range r {
		switch c.Cmd {
		case wsvc.Interrogate:
			changes <- c.CurrentStatus
		case wsvc.Stop, wsvc.Shutdown:
			changes <- wsvc.Status{State: wsvc.StopPending}
			h.loop.Stop()
			_ = h.eventLogger.Info(uint32(windows.NO_ERROR), "agent loop stopped")
			changes <- wsvc.Status{State: wsvc.Stopped, Accepts: cmdsAccepted}
			return false, 0
		default:
			_ = h.eventLogger.Error(uint32(windows.ERROR_INVALID_SERVICE_CONTROL), fmt.Sprintf("unexpected control request #%d", c.Cmd))
		}
	}
	return false, 0
}
