package convergence

// State is the accumulated convergence history of one session.
type State struct {
	History []float64 `json:"history"`
	Status  Status    `json:"status"`
	Reason  string    `json:"reason"`
}

// Record evaluates one round against the accumulated history and returns the next State.
// The receiver is never modified.
func (s State) Record(detector *Detector, round int, similarity float64, a, b Signal) State {
	status, reason := detector.Check(round, similarity, a, b, s.History)

	history := make([]float64, len(s.History), len(s.History)+1)
	copy(history, s.History)
	history = append(history, clamp(similarity))

	return State{
		History: history,
		Status:  status,
		Reason:  reason,
	}
}

// Reached reports whether the state is terminal.
func (s State) Reached() bool {
	return s.Status == StatusConsensus
}
