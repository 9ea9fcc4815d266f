package session

import "fmt"

// Phase is the controller's position in the load/embed lifecycle.
type Phase int

const (
	PhaseIdle    Phase = iota // no model loaded, nothing in flight
	PhaseLoading              // a runtime start or model load is in flight
	PhaseReady                // model loaded, nothing in flight
	PhaseBusy                 // an embedding request is in flight
)

var phaseNames = map[Phase]string{
	PhaseIdle:    "idle",
	PhaseLoading: "loading",
	PhaseReady:   "ready",
	PhaseBusy:    "busy",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// InFlight reports whether an operation currently owns the controller.
func (p Phase) InFlight() bool {
	return p == PhaseLoading || p == PhaseBusy
}

// Snapshot is a copy of the controller state at one instant.
// Embedding is shared with the controller and must not be modified.
// Seq grows by one with every applied change, so listeners can drop stale deliveries.
type Snapshot struct {
	Seq        uint64
	Status     string
	Progress   *int
	Loaded     bool
	HasRuntime bool
	Phase      Phase
	Dim        int
	Embedding  []float32
}
