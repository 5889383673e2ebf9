package isp

import "fmt"

type State int

const (
	StateIdle State = iota
	StateResetting
	StateNegotiatingSpeed
	StateHandshakeWait
	StateReady
	StateLoadingPage
	StateCommittingPage
	StateFinalizing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateResetting:        "resetting",
	StateNegotiatingSpeed: "negotiating speed",
	StateHandshakeWait:    "handshake wait",
	StateReady:            "ready",
	StateLoadingPage:      "loading page",
	StateCommittingPage:   "committing page",
	StateFinalizing:       "finalizing",
	StateDone:             "done",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
