package model

import "fmt"

type ClientStatus string

const (
	ClientStatusActive          ClientStatus = "active"
	ClientStatusExpired         ClientStatus = "expired"
	ClientStatusDisabledTraffic ClientStatus = "disabled_traffic"
	ClientStatusDisabledManual  ClientStatus = "disabled_manual"
)

func (s ClientStatus) Valid() bool {
	switch s {
	case ClientStatusActive, ClientStatusExpired, ClientStatusDisabledTraffic, ClientStatusDisabledManual:
		return true
	}
	return false
}

// Enabled is the panel-side enable flag for a status.
func (s ClientStatus) Enabled() bool {
	return s == ClientStatusActive
}

// CanTransition reports whether from -> to is a legal status change.
//
// ACTIVE may move to any disabled state. Any disabled state may return to
// ACTIVE, and an admin may manually disable a client that is already
// disabled for another reason. Re-applying the current status is allowed so
// callers can re-push remote state.
func CanTransition(from, to ClientStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || from == ClientStatusActive || to == ClientStatusActive {
		return true
	}
	return to == ClientStatusDisabledManual
}

func ParseClientStatus(s string) (ClientStatus, error) {
	status := ClientStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown client status %q", s)
	}
	return status, nil
}
