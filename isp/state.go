package isp

import "fmt"

// State is the lifecycle position of a contract. Transitions only move forward.
type State uint8

const (
	Requested State = iota
	Acknowledged
	Established
	FarewellInitiated
	Terminated
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Acknowledged:
		return "acknowledged"
	case Established:
		return "established"
	case FarewellInitiated:
		return "farewell_initiated"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Role tells which side of a contract the local node is.
type Role uint8

const (
	Client Role = iota
	Provider
)

func (r Role) String() string {
	switch r {
	case Client:
		return "client"
	case Provider:
		return "provider"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}
