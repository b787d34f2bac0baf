package bridge

import (
	"time"

	"github.com/dgnsrekt/babel_bridge/internal/types"
)

// State is the companion connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the agent.
type Status struct {
	State           string               `json:"state" doc:"Companion connection state" enum:"disconnected,connecting,open"`
	CompanionURL    string               `json:"companion_url"`
	ConnectedAt     *time.Time           `json:"connected_at,omitempty"`
	LastContext     *types.ContextChange `json:"last_context,omitempty" doc:"Last context_change frame sent"`
	LastReportAt    *time.Time           `json:"last_report_at,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
	ConnectAttempts uint64               `json:"connect_attempts"`
	Connects        uint64               `json:"connects"`
	Disconnects     uint64               `json:"disconnects"`
	ReportsSent     uint64               `json:"reports_sent"`
	ReportsDropped  uint64               `json:"reports_dropped"`
}
