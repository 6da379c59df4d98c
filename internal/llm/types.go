package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the model produced no content.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Role of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to the model
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the input for answer generation. Context carries the
// merged retrieval context plus any conversation background.
type GenerateRequest struct {
	Question string
	Context  string
	History  []Message
}

// Generator streams an answer. onDelta is called once per text increment;
// returning an error from it aborts the stream with that error.
type Generator interface {
	Stream(ctx context.Context, req GenerateRequest, onDelta func(delta string) error) error
}

// Completer returns a single non-streaming completion for prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Collect runs g and concatenates every delta.
func Collect(ctx context.Context, g Generator, req GenerateRequest) (string, error) {
	var buf []byte
	err := g.Stream(ctx, req, func(delta string) error {
		buf = append(buf, delta...)
		return nil
	})
	return string(buf), err
}
