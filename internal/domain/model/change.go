package model

import (
	"strings"
	"time"
)

// ChangeType classifies a balance movement between two authoritative
// snapshots.
type ChangeType string

const (
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
	ChangeNewToken ChangeType = "new_token"
)

// ChangeEvent is a single detected balance movement. Previous, New and
// Difference are decimal strings formatted to six fractional digits.
// Difference keeps its sign (negative for decreases).
type ChangeEvent struct {
	Token      string     `json:"token"`
	Previous   string     `json:"previous_balance"`
	New        string     `json:"new_balance"`
	Difference string     `json:"difference"`
	Type       ChangeType `json:"type"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Signature derives the dedup key for the event. Two events with the same
// token, type, difference and resulting balance are the same logical change
// regardless of which polling cycle observed them.
func (e ChangeEvent) Signature() string {
	return strings.Join([]string{e.Token, string(e.Type), e.Difference, e.New}, "|")
}
