// Package conversation holds the question and history types shared by the
// pipeline stages.
package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Question is immutable once created.
type Question struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	AskedAt   time.Time `json:"asked_at"`
}

// Turn is one prior exchange supplied by the caller as context.
type Turn struct {
	Question  string `json:"question"`
	Narrative string `json:"narrative,omitempty"`
	SQL       string `json:"sql,omitempty"`
}

func NewQuestion(sessionID string, ordinal int, text string) Question {
	return Question{
		ID:        uuid.NewString(),
		SessionID: strings.TrimSpace(sessionID),
		Ordinal:   ordinal,
		Text:      strings.TrimSpace(text),
		AskedAt:   time.Now().UTC(),
	}
}

// Window returns at most the last n turns, oldest first.
func Window(history []Turn, n int) []Turn {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) <= n {
		return append([]Turn(nil), history...)
	}
	return append([]Turn(nil), history[len(history)-n:]...)
}

// Previous returns the most recent turn, if any.
func Previous(history []Turn) (Turn, bool) {
	if len(history) == 0 {
		return Turn{}, false
	}
	return history[len(history)-1], true
}
