// Package chat drives a conversation: it persists turns through a history
// store and streams replies from a completion endpoint into an in-memory
// transcript.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kir-gadjello/deepchat/completion"
	"github.com/kir-gadjello/deepchat/history"
)

// Store is the persistence a Session needs. *history.Store implements it.
type Store interface {
	CreateChat(ctx context.Context, firstMessage string) (history.ChatID, error)
	AppendMessage(ctx context.Context, chatID history.ChatID, msg history.NewMessage) (history.MessageID, error)
	ListMessages(ctx context.Context, chatID history.ChatID) ([]history.Message, error)
}

// Subscription is an open completion as seen by a Session.
type Subscription interface {
	Events() <-chan completion.Event
	Cancel()
}

// Completer opens completions.
type Completer interface {
	Open(ctx context.Context, req completion.Request) (Subscription, error)
}

type clientCompleter struct {
	client *completion.Client
}

// NewCompleter adapts a completion client to the Completer interface.
func NewCompleter(client *completion.Client) Completer {
	return clientCompleter{client: client}
}

func (c clientCompleter) Open(ctx context.Context, req completion.Request) (Subscription, error) {
	sub, err := c.client.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type State int

const (
	Idle State = iota
	// AwaitingFirstPersist covers creating a new chat and persisting its
	// first message.
	AwaitingFirstPersist
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFirstPersist:
		return "awaiting-first-persist"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// Entry is one message of the in-memory transcript.
type Entry struct {
	Role     history.Role
	Content  string
	ImageURL string
}

type ChangeKind int

const (
	// ChangeTranscript: entries were added or the transcript was reset.
	ChangeTranscript ChangeKind = iota
	// ChangeDelta: Fragment was appended to the last entry.
	ChangeDelta
	// ChangeFinished: the reply is complete and persisted.
	ChangeFinished
	// ChangeFailed: the turn ended with Err. The partial reply is kept.
	ChangeFailed
	// ChangeLoaded: the transcript was replaced by a stored chat.
	ChangeLoaded
)

// Change describes a transcript update. Observers receive it outside the
// session lock and may call back into the Session.
type Change struct {
	Kind     ChangeKind
	ChatID   history.ChatID
	Fragment string
	Err      error
}

// Vision turn parameters.
const (
	visionTemperature = 0.2
	visionMaxTokens   = 500
)

type Options struct {
	Model       string
	Temperature *float64
	// Extra is merged into every text completion request.
	Extra map[string]interface{}
	// Vision serves SubmitImage. Nil disables image turns.
	Vision      Completer
	VisionModel string
	// ForwardHistory sends earlier turns with each request. Off by default:
	// only the new message is sent.
	ForwardHistory bool
	Notify         func(Change)
	Logger         *slog.Logger
}

// Session is the transcript state machine for one conversation at a time.
// At most one turn is in flight per Session.
type Session struct {
	store          Store
	completer      Completer
	vision         Completer
	visionModel    string
	temperature    *float64
	extra          map[string]interface{}
	forwardHistory bool
	notify         func(Change)
	log            *slog.Logger

	// chatRef is the id of the chat the session currently operates on, 0
	// before the first message of a new chat is persisted. It is read at the
	// point of use.
	chatRef atomic.Int64

	mu         sync.Mutex
	model      string
	state      State
	inFlight   bool
	gen        uint64
	transcript []Entry
	sub        Subscription
	idle       chan struct{}
}

func NewSession(store Store, completer Completer, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Session{
		store:          store,
		completer:      completer,
		vision:         opts.Vision,
		visionModel:    opts.VisionModel,
		temperature:    opts.Temperature,
		extra:          opts.Extra,
		forwardHistory: opts.ForwardHistory,
		notify:         opts.Notify,
		log:            logger.With("component", "session"),
		model:          opts.Model,
		idle:           idle,
	}
}

// Submit sends text as a new user turn. The reply streams in the background;
// observe it through Options.Notify or Wait. ctx bounds the whole turn.
func (s *Session) Submit(ctx context.Context, text string) error {
	return s.submit(ctx, text, "")
}

// SubmitImage sends text with an attached image (a data URL) to the vision
// endpoint. The reply is not streamed but lands in the transcript like any
// other bot turn.
func (s *Session) SubmitImage(ctx context.Context, text, dataURL string) error {
	if dataURL == "" {
		return s.submit(ctx, text, "")
	}
	if s.vision == nil {
		return ErrNoVision
	}
	return s.submit(ctx, text, dataURL)
}

func (s *Session) submit(ctx context.Context, text, imageURL string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrBusy
	}
	s.beginTurnLocked()
	gen := s.gen
	model := s.model
	prior := s.priorMessagesLocked()
	chatID := history.ChatID(s.chatRef.Load())
	if chatID == 0 {
		s.state = AwaitingFirstPersist
	}
	s.mu.Unlock()

	if chatID == 0 {
		id, err := s.store.CreateChat(ctx, text)
		if err != nil {
			s.endTurn(gen)
			return err
		}
		s.chatRef.Store(int64(id))
		chatID = id
		s.log.Debug("chat created", "chat_id", id)
	}

	if _, err := s.store.AppendMessage(ctx, chatID, history.NewMessage{
		Role:     history.RoleUser,
		Content:  text,
		ImageURL: imageURL,
	}); err != nil {
		s.endTurn(gen)
		return err
	}

	s.mu.Lock()
	s.transcript = append(s.transcript,
		Entry{Role: history.RoleUser, Content: text, ImageURL: imageURL},
		Entry{Role: history.RoleBot})
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeTranscript, ChatID: chatID})

	completer, req := s.buildRequest(model, prior, text, imageURL)
	sub, err := completer.Open(ctx, req)
	if err != nil {
		s.endTurn(gen)
		var se *completion.StreamError
		if !errors.As(err, &se) {
			err = &completion.StreamError{Err: err}
		}
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.state = Streaming
	s.mu.Unlock()

	s.log.Debug("turn started", "chat_id", chatID, "model", req.Model, "image", imageURL != "")
	go s.consume(ctx, gen, chatID, sub)
	return nil
}

func (s *Session) buildRequest(model string, prior []completion.Message, text, imageURL string) (Completer, completion.Request) {
	if imageURL != "" {
		temp := visionTemperature
		return s.vision, completion.Request{
			Model:       s.visionModel,
			Temperature: &temp,
			MaxTokens:   visionMaxTokens,
			Messages: []completion.Message{{
				Role:  string(history.RoleUser),
				Parts: []completion.ContentPart{completion.TextPart(text), completion.ImagePart(imageURL)},
			}},
		}
	}

	msgs := append(prior, completion.Message{Role: string(history.RoleUser), Content: text})
	return s.completer, completion.Request{
		Model:       model,
		Stream:      true,
		Messages:    msgs,
		Temperature: s.temperature,
		Extra:       s.extra,
	}
}

// priorMessagesLocked returns the turns to forward with a new request.
func (s *Session) priorMessagesLocked() []completion.Message {
	if !s.forwardHistory {
		return nil
	}
	var msgs []completion.Message
	for _, e := range s.transcript {
		if e.Content == "" {
			continue
		}
		msgs = append(msgs, completion.Message{Role: string(e.Role), Content: e.Content})
	}
	return msgs
}

func (s *Session) consume(ctx context.Context, gen uint64, origin history.ChatID, sub Subscription) {
	for ev := range sub.Events() {
		switch ev.Type {
		case completion.EventContent:
			if !s.applyDelta(gen, origin, ev.Content) {
				return
			}
		case completion.EventFinished:
			s.finish(ctx, gen, origin, ev.Content)
			return
		case completion.EventError:
			s.fail(gen, ev.Err)
			return
		}
	}
	s.fail(gen, errStreamClosed)
}

// currentLocked reports whether events from the turn (gen, origin) may still
// touch the transcript.
func (s *Session) currentLocked(gen uint64, origin history.ChatID) bool {
	return s.gen == gen && s.state == Streaming && history.ChatID(s.chatRef.Load()) == origin
}

func (s *Session) applyDelta(gen uint64, origin history.ChatID, fragment string) bool {
	s.mu.Lock()
	if !s.currentLocked(gen, origin) {
		s.mu.Unlock()
		s.log.Debug("dropping stale delta", "chat_id", origin)
		return false
	}
	s.transcript[len(s.transcript)-1].Content += fragment
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeDelta, ChatID: origin, Fragment: fragment})
	return true
}

func (s *Session) finish(ctx context.Context, gen uint64, origin history.ChatID, trailing string) {
	s.mu.Lock()
	if !s.currentLocked(gen, origin) {
		s.mu.Unlock()
		return
	}
	last := &s.transcript[len(s.transcript)-1]
	last.Content += trailing
	content := last.Content
	s.sub = nil
	chatID := history.ChatID(s.chatRef.Load())
	s.mu.Unlock()

	if trailing != "" {
		s.emit(Change{Kind: ChangeDelta, ChatID: chatID, Fragment: trailing})
	}

	_, err := s.store.AppendMessage(ctx, chatID, history.NewMessage{Role: history.RoleBot, Content: content})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	idle := s.endTurnLocked()
	s.mu.Unlock()
	defer s.release(idle)

	if err != nil {
		s.log.Warn("persisting reply failed", "chat_id", chatID, "error", err)
		s.emit(Change{Kind: ChangeFailed, ChatID: chatID, Err: err})
		return
	}
	s.log.Debug("turn finished", "chat_id", chatID, "len", len(content))
	s.emit(Change{Kind: ChangeFinished, ChatID: chatID})
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	var se *completion.StreamError
	if !errors.As(err, &se) {
		partial := ""
		if n := len(s.transcript); n > 0 {
			partial = s.transcript[n-1].Content
		}
		err = &completion.StreamError{Partial: partial, Err: err}
	}
	idle := s.endTurnLocked()
	chatID := history.ChatID(s.chatRef.Load())
	s.mu.Unlock()
	defer s.release(idle)

	s.log.Debug("turn failed", "chat_id", chatID, "error", err)
	s.emit(Change{Kind: ChangeFailed, ChatID: chatID, Err: err})
}

// LoadChat replaces the transcript with the stored chat id. An in-flight
// reply is cancelled first; its late deltas are dropped.
func (s *Session) LoadChat(ctx context.Context, id history.ChatID) error {
	s.mu.Lock()
	if s.inFlight && s.state != Streaming {
		s.mu.Unlock()
		return ErrBusy
	}
	sub, aborted := s.abortLocked()
	s.beginTurnLocked()
	s.mu.Unlock()

	s.release(aborted)
	if sub != nil {
		sub.Cancel()
	}

	msgs, err := s.store.ListMessages(ctx, id)

	s.mu.Lock()
	if err != nil {
		idle := s.endTurnLocked()
		s.mu.Unlock()
		s.release(idle)
		return err
	}
	transcript := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, Entry{Role: m.Role, Content: m.Content, ImageURL: m.ImageURL})
	}
	s.transcript = transcript
	s.chatRef.Store(int64(id))
	s.gen++
	idle := s.endTurnLocked()
	s.mu.Unlock()
	defer s.release(idle)

	s.log.Debug("chat loaded", "chat_id", id, "messages", len(msgs))
	s.emit(Change{Kind: ChangeLoaded, ChatID: id})
	return nil
}

// NewChat clears the transcript; the next Submit creates a chat.
func (s *Session) NewChat() error {
	s.mu.Lock()
	if s.inFlight && s.state != Streaming {
		s.mu.Unlock()
		return ErrBusy
	}
	sub, aborted := s.abortLocked()
	s.transcript = nil
	s.chatRef.Store(0)
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.emit(Change{Kind: ChangeTranscript})
	s.release(aborted)
	return nil
}

// Cancel stops the in-flight reply, keeping what has arrived so far.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.inFlight || s.state != Streaming {
		s.mu.Unlock()
		return
	}
	sub, aborted := s.abortLocked()
	chatID := history.ChatID(s.chatRef.Load())
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.emit(Change{Kind: ChangeFailed, ChatID: chatID, Err: context.Canceled})
	s.release(aborted)
}

// abortLocked invalidates the current turn. The caller cancels the returned
// subscription and releases the idle channel once the lock is dropped.
func (s *Session) abortLocked() (Subscription, chan struct{}) {
	s.gen++
	sub := s.sub
	var idle chan struct{}
	if s.inFlight {
		idle = s.endTurnLocked()
	}
	return sub, idle
}

func (s *Session) beginTurnLocked() {
	s.inFlight = true
	s.gen++
	s.idle = make(chan struct{})
}

func (s *Session) endTurn(gen uint64) {
	s.mu.Lock()
	var idle chan struct{}
	if s.gen == gen {
		idle = s.endTurnLocked()
	}
	s.mu.Unlock()
	s.release(idle)
}

// endTurnLocked returns the session to Idle. Wait callers are woken by
// release, which runs after observers have been notified.
func (s *Session) endTurnLocked() chan struct{} {
	s.inFlight = false
	s.state = Idle
	s.sub = nil
	return s.idle
}

func (s *Session) release(idle chan struct{}) {
	if idle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-idle:
	default:
		close(idle)
	}
}

func (s *Session) emit(c Change) {
	if s.notify != nil {
		s.notify(c)
	}
}

// Wait blocks until no turn is in flight.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns a copy of the in-memory transcript.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.transcript...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// ChatID returns the active chat id, 0 for a chat not yet persisted.
func (s *Session) ChatID() history.ChatID {
	return history.ChatID(s.chatRef.Load())
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel changes the model used by subsequent turns.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}
