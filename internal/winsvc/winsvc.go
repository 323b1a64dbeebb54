// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.

// Package winsvc is the thin Windows service-lifecycle shim spec.md §1
// names as an out-of-scope collaborator: it owns nothing of the snapshot
// protocol itself, only the StartPending/Running/StopPending dance
// svc.Handler requires, wired to an AgentLoop's Start/Stop.
package winsvc

// AgentLoop is the subset of agent.Loop the service handler drives. Kept
// as an interface so Execute's dispatch logic can be exercised without a
// real adapter/coordinator behind it.
type AgentLoop interface {
	Start()
	Stop()
}
