package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the coordinator lifecycle phase of a ceremony instance.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAwaitingContribution
	PhaseFinalizing
	PhaseSealed
)

var phaseNames = map[Phase]string{
	PhaseUninitialized:        "uninitialized",
	PhaseAwaitingContribution: "awaiting_contribution",
	PhaseFinalizing:           "finalizing",
	PhaseSealed:               "sealed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseUninitialized, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is the persisted coordinator state of one ceremony instance.
// Round is only meaningful in PhaseAwaitingContribution, where it names
// the round the coordinator accepts next.
type State struct {
	CeremonyID         string       `json:"ceremony_id"`
	Circuit            CircuitSpec  `json:"circuit"`
	Beacon             RandomBeacon `json:"beacon"`
	Phase              Phase        `json:"phase"`
	Round              uint64       `json:"round"`
	CurrentHash        Hash         `json:"current_hash"`
	Assignee           string       `json:"assignee,omitempty"`
	Accepted           uint64       `json:"accepted"`
	Rejected           uint64       `json:"rejected"`
	TargetParticipants uint64       `json:"target_participants,omitempty"`
	StartTime          time.Time    `json:"start_time"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Describe renders the phase the way operators read it, e.g.
// "awaiting_contribution(3)".
func (s State) Describe() string {
	if s.Phase == PhaseAwaitingContribution {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Round)
	}
	return s.Phase.String()
}
