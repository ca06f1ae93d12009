package session

import "time"

// Turn is one user message and the reply it produced.
type Turn struct {
	UserMessage       string
	AssistantResponse string
	IsError           bool
	Timestamp         time.Time
}

// TrimTurns keeps the last n turns. n <= 0 keeps nothing. The input is not
// modified.
func TrimTurns(turns []Turn, n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	if len(turns) <= n {
		out := make([]Turn, len(turns))
		copy(out, turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, turns[len(turns)-n:])
	return out
}

// AppendTurn appends t and trims the result to the last n turns.
func AppendTurn(turns []Turn, t Turn, n int) []Turn {
	next := make([]Turn, 0, len(turns)+1)
	next = append(next, turns...)
	next = append(next, t)
	return TrimTurns(next, n)
}
