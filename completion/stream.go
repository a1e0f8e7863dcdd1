package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

type EventType string

const (
	EventContent   EventType = "content"
	EventReasoning EventType = "reasoning"
	// EventFinished is the terminal event. Its Content is any trailing
	// fragment carried by the final frame.
	EventFinished EventType = "finished"
	// EventError is terminal too; Err is a *StreamError.
	EventError EventType = "error"
)

// Event is one incremental unit of a completion.
type Event struct {
	Type         EventType
	Content      string
	FinishReason string
	Err          error
}

// Subscription is an open completion. Events are delivered in the order the
// transport received them; the channel is closed after the terminal event or
// after Cancel.
type Subscription struct {
	ID string

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel tears down the connection and waits for the reader to exit. It is
// safe to call more than once and from any goroutine.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has delivered its last event.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// emit delivers ev unless the subscription was cancelled.
func (s *Subscription) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case s.events <- ev:
		return true
	}
}

// Open starts a completion and returns without waiting for the server.
// With req.Stream the response is decoded frame by frame; otherwise the whole
// reply arrives as a single EventFinished.
func (c *Client) Open(ctx context.Context, req Request) (*Subscription, error) {
	body, err := encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     uuid.NewString(),
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	log := c.log.With("subscription", sub.ID, "model", req.Model)
	log.Debug("completion opened", "stream", req.Stream, "messages", len(req.Messages))

	go func() {
		defer close(sub.done)
		defer close(sub.events)
		defer cancel()

		if req.Stream {
			c.stream(ctx, sub, body)
			return
		}

		content, err := c.complete(ctx, body)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("completion failed", "error", err)
			}
			sub.emit(ctx, Event{Type: EventError, Err: &StreamError{Err: err}})
			return
		}
		sub.emit(ctx, Event{Type: EventFinished, Content: content, FinishReason: "stop"})
	}()

	return sub, nil
}

var doneSentinel = []byte("[DONE]")

// errIncomplete reports a body that ended without a terminal frame.
var errIncomplete = errors.New("stream closed before completion")

func (c *Client) stream(ctx context.Context, sub *Subscription, body []byte) {
	log := c.log.With("subscription", sub.ID)

	resp, err := c.post(ctx, body, true)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("stream request failed", "error", err)
		}
		sub.emit(ctx, Event{Type: EventError, Err: &StreamError{Err: err}})
		return
	}
	// Returning closes the connection; nothing is emitted after a terminal
	// event.
	defer resp.Body.Close()

	var partial strings.Builder
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		log.Debug("stream failed", "error", err, "partial_len", partial.Len())
		sub.emit(ctx, Event{Type: EventError, Err: &StreamError{Partial: partial.String(), Err: err}})
	}

	reader := newSSEReader(resp.Body)
	for {
		data, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errIncomplete
			}
			fail(err)
			return
		}

		if bytes.Equal(bytes.TrimSpace(data), doneSentinel) {
			sub.emit(ctx, Event{Type: EventFinished})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			log.Debug("skipping malformed frame", "error", err)
			continue
		}
		if chunk.Error != nil {
			fail(fmt.Errorf("api error: %s", chunk.Error.Message))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		reasoning := choice.Delta.ReasoningContent
		if reasoning == "" {
			reasoning = choice.Delta.Reasoning
		}
		if reasoning != "" {
			if !sub.emit(ctx, Event{Type: EventReasoning, Content: reasoning}) {
				return
			}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			sub.emit(ctx, Event{Type: EventFinished, Content: choice.Delta.Content, FinishReason: *choice.FinishReason})
			return
		}

		if choice.Delta.Content != "" {
			partial.WriteString(choice.Delta.Content)
			if !sub.emit(ctx, Event{Type: EventContent, Content: choice.Delta.Content}) {
				return
			}
		}
	}
}
