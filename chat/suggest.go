package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kir-gadjello/deepchat/completion"
)

// Suggestion is a conversation starter.
type Suggestion struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Prompt is the message sent when the suggestion is picked.
func (s Suggestion) Prompt() string {
	return strings.TrimSpace(s.Title + " " + s.Text)
}

// OneShot performs a single non-streaming completion. *completion.Client
// implements it.
type OneShot interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// CoderModel is the model whose suggestions focus on programming.
const CoderModel = "deepseek-coder"

// wrapperKeys are the object keys a suggestion array may arrive under.
var wrapperKeys = []string{"conversation_starters", "suggestions"}

const suggestionPrompt = `Generate 3 conversation starter suggestions as a direct JSON array (not wrapped in an object).
Return format must be exactly like this, with no additional wrapping:
[
  {
    "title": "short phrase",
    "text": "brief context"
  }
]

%s

Keep titles under 20 characters and text under 40 characters.
Do not wrap the array in any object. Return only the array.`

// Suggester asks the model for conversation starters.
type Suggester struct {
	client OneShot
	model  string
	log    *slog.Logger
}

func NewSuggester(client OneShot, defaultModel string, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{client: client, model: defaultModel, log: logger.With("component", "suggest")}
}

// Generate returns suggestions for modelHint, or an empty slice when the
// request fails or the reply cannot be decoded. It never retries.
func (g *Suggester) Generate(ctx context.Context, modelHint string) []Suggestion {
	model := modelHint
	if model == "" {
		model = g.model
	}

	focus := "Focus on general knowledge, creative ideas, and helpful advice."
	if model == CoderModel {
		focus = "Focus on programming topics, code explanations, and best practices."
	}

	raw, err := g.client.Complete(ctx, completion.Request{
		Model:          model,
		Messages:       []completion.Message{{Role: "user", Content: fmt.Sprintf(suggestionPrompt, focus)}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		g.log.Warn("suggestion request failed", "model", model, "error", err)
		return []Suggestion{}
	}

	suggestions, err := ParseSuggestions(raw)
	if err != nil {
		g.log.Debug("discarding suggestions", "model", model, "error", err)
		return []Suggestion{}
	}
	return suggestions
}

// ParseSuggestions decodes a suggestion payload. Two shapes are accepted: a
// top-level array, or an object holding the array under one of the known
// wrapper keys. Anything else is a *ParseError.
func ParseSuggestions(raw string) ([]Suggestion, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, &ParseError{Raw: raw, Err: errors.New("empty payload")}
	}

	var items []Suggestion
	switch body[0] {
	case '[':
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, &ParseError{Raw: raw, Err: err}
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return nil, &ParseError{Raw: raw, Err: err}
		}
		found := false
		for _, key := range wrapperKeys {
			v, ok := obj[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(v, &items); err != nil {
				return nil, &ParseError{Raw: raw, Err: fmt.Errorf("%s: %w", key, err)}
			}
			found = true
			break
		}
		if !found {
			return nil, &ParseError{Raw: raw, Err: errors.New("object has no suggestion array")}
		}
	default:
		return nil, &ParseError{Raw: raw, Err: errors.New("not a JSON array or object")}
	}

	out := make([]Suggestion, 0, len(items))
	for _, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		it.Text = strings.TrimSpace(it.Text)
		if it.Title == "" && it.Text == "" {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
