package stepchat

// TurnState is the mutable context of one orchestration turn. It is owned by
// a single turn and never shared.
type TurnState struct {
	ResponseID   string
	ActiveItemID string
	// ActiveKind is the kind of ActiveItemID.
	ActiveKind ItemKind

	// PendingArguments accumulates argument fragments per call id until the
	// call is finished.
	PendingArguments map[string]string

	announced map[string]bool
	finished  map[string]bool
}

func NewTurnState() *TurnState {
	return &TurnState{
		PendingArguments: make(map[string]string),
		announced:        make(map[string]bool),
		finished:         make(map[string]bool),
	}
}

// announce marks id as having a downstream container and reports whether it
// was new.
func (s *TurnState) announce(id string) bool {
	if s.announced[id] {
		return false
	}
	s.announced[id] = true
	return true
}

// Announced reports whether a container was created for id in this turn.
func (s *TurnState) Announced(id string) bool {
	return s.announced[id]
}

// resume prepares the state for the next sub-stream of the same turn.
func (s *TurnState) resume() {
	s.ActiveItemID = ""
	s.ActiveKind = ""
}

// activeCall reports whether the active item is a tool call.
func (s *TurnState) activeCall() bool {
	return s.ActiveItemID != "" && (s.ActiveKind == ItemFunctionCall || s.ActiveKind == ItemToolCall)
}
