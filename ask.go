package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kir-gadjello/deepchat/chat"
	"github.com/kir-gadjello/deepchat/history"
)

// askResult is the outcome of a one-shot turn.
type askResult struct {
	ChatID history.ChatID
	Reply  string
}

// runAsk submits text as a single turn and streams the reply to out. With a
// non-zero chatID the turn is appended to that chat.
func runAsk(ctx context.Context, a *app, chatID history.ChatID, text, imagePath string, out io.Writer) (askResult, error) {
	var dataURL string
	if imagePath != "" {
		var err error
		if dataURL, err = loadImageAttachment(imagePath); err != nil {
			return askResult{}, err
		}
	}

	var mu sync.Mutex
	var turnErr error
	var reply strings.Builder
	s := a.newSession(func(c chat.Change) {
		switch c.Kind {
		case chat.ChangeDelta:
			mu.Lock()
			reply.WriteString(c.Fragment)
			mu.Unlock()
			fmt.Fprint(out, c.Fragment)
		case chat.ChangeFailed:
			mu.Lock()
			turnErr = c.Err
			mu.Unlock()
		}
	})

	if chatID != 0 {
		if err := s.LoadChat(ctx, chatID); err != nil {
			return askResult{}, err
		}
	}

	if err := s.SubmitImage(ctx, text, dataURL); err != nil {
		return askResult{}, err
	}
	if err := s.Wait(ctx); err != nil {
		s.Cancel()
		return askResult{ChatID: s.ChatID()}, err
	}
	fmt.Fprintln(out)

	mu.Lock()
	defer mu.Unlock()
	res := askResult{ChatID: s.ChatID(), Reply: reply.String()}
	if turnErr != nil {
		return res, fmt.Errorf("reply failed: %w", turnErr)
	}
	return res, nil
}
