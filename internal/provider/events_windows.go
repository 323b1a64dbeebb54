// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

//go:build windows

package provider

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// namedEventChecker implements EventChecker against the real named events
// the agent creates for each in-flight (target, lun), mirroring
// IsLunSupported's OpenEvent(EVENT_ALL_ACCESS, ...) probe (spec §6.4).
type namedEventChecker struct{}

// NewEventChecker returns an EventChecker backed by OpenEvent.
func NewEventChecker() EventChecker {
	return namedEventChecker{}
}

func (namedEventChecker) EventExists(target, lun uint8) bool {
	name, err := windows.UTF16PtrFromString(eventName(target, lun))
	if err != nil {
		return false
	}
	handle, err := windows.OpenEvent(windows.EVENT_ALL_ACCESS, false, name)
	if err != nil {
		return false
	}
	windows.CloseHandle(handle)
	return true
}

func eventName(target, lun uint8) string {
	return fmt.Sprintf(`Global\PDVSS-%d-%d`, target, lun)
}
