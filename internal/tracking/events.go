package tracking

import "fleettrack/pkg/models"

// Event types pushed to a connected view
const (
	EventSnapshot  = "snapshot"
	EventPositions = "positions"
	EventSelection = "selection"
	EventAddress   = "address"
	EventProblem   = "problem"
)

// LoadErrorMessage is shown when the initial load fails
const LoadErrorMessage = "Can't load data right now!"

// ActionRetry is the action offered with a load problem
const ActionRetry = "Retry"

// Event is one message to the presentation layer
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Snapshot is the state right after a successful load
type Snapshot struct {
	User      models.User              `json:"user"`
	Positions []models.VehicleLocation `json:"positions"`
	Selected  *int                     `json:"selected,omitempty"`
}

// Positions carries the merged positions after a refresh
type Positions struct {
	Positions []models.VehicleLocation `json:"positions"`
}

// Selection mirrors a selection change
type Selection struct {
	Previous *int   `json:"previous"`
	Current  *int   `json:"current"`
	Source   string `json:"source"`
}

// Address is the resolved address of the selected vehicle
type Address struct {
	VehicleID   int    `json:"vehicleid"`
	DisplayName string `json:"display_name"`
}

// Problem reports a load failure the user can retry
type Problem struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Emitter delivers events to the presentation layer. Emit may be called
// from several goroutines.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(ev Event) error { return f(ev) }
