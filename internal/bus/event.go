package bus

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// Event types.
const (
	TypeStatus   = "status"
	TypeProgress = "progress"
	TypeCategory = "category"
	TypeRepair   = "repair"
	TypeSavings  = "savings"
	TypeError    = "error"
)

// Event states.
const (
	StateIdle         = "idle"
	StateConnecting   = "connecting"
	StateInProgress   = "in_progress"
	StateCompleted    = "completed"
	StateErrorsFound  = "errors_found"
	StateRepairing    = "repairing"
	StateRepaired     = "repaired"
	StateDisconnected = "disconnected"
)

type Issue struct {
	ID        string `json:"id"`
	Severity  string `json:"severity,omitempty"`
	Title     string `json:"title,omitempty"`
	TokenCost int64  `json:"tokenCost,omitempty"`
}

type Savings struct {
	ScoreBefore int    `json:"score_before,omitempty"`
	ScoreAfter  int    `json:"score_after,omitempty"`
	TimeSaved   string `json:"time_saved,omitempty"`
	CostSaved   string `json:"cost_saved,omitempty"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
}

// Event is one cockpit notification. Revision, Timestamp and Hash are
// stamped by Publish; callers leave them empty.
type Event struct {
	Type      string   `json:"type"`
	State     string   `json:"state,omitempty"`
	Category  string   `json:"category,omitempty"`
	Progress  *int     `json:"progress,omitempty"`
	Issues    []Issue  `json:"issues,omitempty"`
	Savings   *Savings `json:"savings,omitempty"`
	Message   string   `json:"message,omitempty"`
	Platform  string   `json:"platform,omitempty"`
	Revision  int64    `json:"revision,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Hash      string   `json:"hash,omitempty"`
}

// Progress returns a pointer for Event.Progress.
func Progress(p int) *int { return &p }

func Status(state string) Event {
	return Event{Type: TypeStatus, State: state}
}

// Stamp sets revision and timestamp, then the hash: the first 12 hex chars
// of BLAKE3-256 over the event's JSON with the hash field empty.
func Stamp(ev Event, revision int64, at time.Time) Event {
	ev.Revision = revision
	ev.Timestamp = at.UTC().Format(time.RFC3339Nano)
	ev.Hash = ""
	ev.Hash = Hash(ev)
	return ev
}

// Hash computes the content hash of ev as stamped.
func Hash(ev Event) string {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])[:12]
}
