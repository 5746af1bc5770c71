package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	finishStop       = "stop"
	roleAssistant    = "assistant"
)

// Renderer produces the response objects for one request. All objects share
// the id, created time and model fixed at construction.
type Renderer struct {
	ID      string
	Created int64
	Model   string

	sentRole bool
}

// NewRenderer creates a renderer with id "chatcmpl-<model>-<unix>".
func NewRenderer(model string, now time.Time) *Renderer {
	created := now.Unix()
	return &Renderer{
		ID:      "chatcmpl-" + model + "-" + strconv.FormatInt(created, 10),
		Created: created,
		Model:   model,
	}
}

// Completion renders a non-streaming response with text as the answer.
func (r *Renderer) Completion(text string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      r.ID,
		Object:  objectCompletion,
		Created: r.Created,
		Model:   r.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ResponseMessage{Role: roleAssistant, Content: text},
			FinishReason: finishStop,
		}},
		Usage: Usage{},
	}
}

// Chunk renders a content fragment. The first chunk also carries the role.
func (r *Renderer) Chunk(fragment string) ChatCompletionStreamChunk {
	delta := Delta{Content: fragment}
	if !r.sentRole {
		delta.Role = roleAssistant
		r.sentRole = true
	}
	return r.chunk(delta, nil)
}

// Stop renders the terminal chunk: empty delta, finish_reason "stop".
func (r *Renderer) Stop() ChatCompletionStreamChunk {
	reason := finishStop
	return r.chunk(Delta{}, &reason)
}

func (r *Renderer) chunk(delta Delta, finish *string) ChatCompletionStreamChunk {
	return ChatCompletionStreamChunk{
		ID:      r.ID,
		Object:  objectChunk,
		Created: r.Created,
		Model:   r.Model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// WriteEvent frames v as one SSE data event.
func WriteEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteDone writes the stream terminator.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}
