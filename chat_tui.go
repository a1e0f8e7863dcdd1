package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kir-gadjello/deepchat/chat"
	"github.com/kir-gadjello/deepchat/completion"
	"github.com/kir-gadjello/deepchat/history"
)

var TEXTINPUT_PLACEHOLDER = "Type a message and press Enter to send..."

const emptyTranscript = `<chat is empty>`

const maxSuggestionKeys = 9

var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4D6BFE"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cardStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	cardTitleStyle  = lipgloss.NewStyle().Bold(true)
	attachmentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("171"))
)

type tuiMode int

const (
	modeChat tuiMode = iota
	modeChats
	modeModels
)

type sessionChangeMsg struct{ change chat.Change }

type submitDoneMsg struct{ err error }

type loadDoneMsg struct{ err error }

type suggestionsMsg struct {
	model string
	items []chat.Suggestion
}

type chatsMsg struct {
	chats []history.ChatSummary
	err   error
}

type modelsMsg struct {
	models []completion.Model
	err    error
}

// modelChangedMsg reports a model selected by another deepchat process.
type modelChangedMsg struct{ name string }

type chatTuiState struct {
	app       *app
	session   *chat.Session
	suggester *chat.Suggester
	watcher   *stateWatcher
	ctx       context.Context

	spinner        spinner.Model
	viewport       viewport.Model
	textarea       textarea.Model
	renderMarkdown bool
	viewportWidth  int
	mdPaddingWidth int
	userName       string

	// waiting is set from submit until the first fragment arrives.
	waiting   bool
	streaming bool
	err       error
	status    string

	suggestions        []chat.Suggestion
	loadingSuggestions bool

	attachmentPath string
	attachmentURL  string

	mode   tuiMode
	picker list.Model

	resumeID history.ChatID
}

type tuiOptions struct {
	resume       history.ChatID
	initialText  string
	attachment   string
	sendRightNow bool
}

func initialModel(ctx context.Context, a *app, s *chat.Session, opts tuiOptions) (chatTuiState, error) {
	ta := textarea.New()
	ta.Placeholder = TEXTINPUT_PLACEHOLDER
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 100000
	ta.MaxHeight = 32
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.SetValue(opts.initialText)

	vp := viewport.New(32, 12)
	vp.SetContent(emptyTranscript)
	vp.MouseWheelEnabled = true

	m := chatTuiState{
		app:            a,
		session:        s,
		suggester:      a.newSuggester(),
		ctx:            ctx,
		spinner:        spinner.New(),
		viewport:       vp,
		textarea:       ta,
		renderMarkdown: true,
		viewportWidth:  80,
		userName:       a.cfg.Profile.userName(),
		picker:         newPickerList("", nil),
		resumeID:       opts.resume,
	}
	m.picker.SetShowHelp(false)
	m.loadingSuggestions = opts.resume == 0

	if opts.attachment != "" {
		if err := m.attach(opts.attachment); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (m chatTuiState) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink}
	if m.resumeID != 0 {
		cmds = append(cmds, loadChatCmd(m.ctx, m.session, m.resumeID))
	} else {
		cmds = append(cmds, m.suggestCmd())
	}
	return tea.Batch(cmds...)
}

func loadChatCmd(ctx context.Context, s *chat.Session, id history.ChatID) tea.Cmd {
	return func() tea.Msg {
		return loadDoneMsg{err: s.LoadChat(ctx, id)}
	}
}

func submitCmd(ctx context.Context, s *chat.Session, text, dataURL string) tea.Cmd {
	return func() tea.Msg {
		return submitDoneMsg{err: s.SubmitImage(ctx, text, dataURL)}
	}
}

// suggestCmd fetches starters for the current model. Callers set
// loadingSuggestions.
func (m chatTuiState) suggestCmd() tea.Cmd {
	ctx, suggester, model := m.ctx, m.suggester, m.session.Model()
	return func() tea.Msg {
		return suggestionsMsg{model: model, items: suggester.Generate(ctx, model)}
	}
}

func (m *chatTuiState) attach(path string) error {
	dataURL, err := loadImageAttachment(path)
	if err != nil {
		return err
	}
	if m.app.vision == nil {
		return chat.ErrNoVision
	}
	m.attachmentPath = path
	m.attachmentURL = dataURL
	return nil
}

func (m *chatTuiState) format(suffix string) string {
	entries := m.session.Transcript()
	if len(entries) == 0 {
		return emptyTranscript
	}
	return formatTranscript(entries, transcriptFormat{
		Markdown:  m.renderMarkdown,
		LineWidth: m.viewportWidth,
		Padding:   m.mdPaddingWidth,
		Suffix:    suffix,
		UserName:  m.userName,
		BotName:   modelTitle(m.session.Model()),
	})
}

func (m *chatTuiState) refresh() {
	suffix := ""
	if m.waiting || m.streaming {
		suffix = m.spinner.View()
	}
	m.viewport.SetContent(m.format(suffix))
	m.viewport.GotoBottom()
}

// sendMsg handles a line typed into the input. "/image <path>" attaches an
// image to the next message.
func (m chatTuiState) sendMsg(usermsg string) (tea.Model, tea.Cmd) {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(usermsg), "/image "); ok {
		if err := m.attach(strings.TrimSpace(rest)); err != nil {
			m.err = err
		} else {
			m.err = nil
			m.status = "image attached; type your question"
		}
		m.textarea.Reset()
		return m, nil
	}

	if m.session.Busy() {
		m.err = chat.ErrBusy
		return m, nil
	}

	dataURL := m.attachmentURL
	m.attachmentPath, m.attachmentURL = "", ""
	m.err = nil
	m.status = ""
	m.waiting = true
	m.suggestions = nil

	m.spinner.Spinner = spinner.Pulse
	m.spinner.Spinner.FPS = time.Second / 10
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("171"))

	m.textarea.Reset()
	m.textarea.Placeholder = TEXTINPUT_PLACEHOLDER
	m.textarea.Focus()

	return m, tea.Batch(m.spinner.Tick, submitCmd(m.ctx, m.session, usermsg, dataURL))
}

func (m chatTuiState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(sessionChangeMsg); !ok && m.mode != modeChat {
		return m.updatePicker(msg)
	}

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	// alt+1..9 picks a suggestion and must not reach the textarea.
	if key, ok := msg.(tea.KeyMsg); ok && key.Alt && len(key.Runes) == 1 && key.Runes[0] >= '1' && key.Runes[0] <= '9' {
		idx := int(key.Runes[0] - '1')
		if idx < len(m.suggestions) && len(m.session.Transcript()) == 0 {
			return m.sendMsg(m.suggestions[idx].Prompt())
		}
		return m, nil
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.Type {

		case tea.KeyCtrlC, tea.KeyEsc:
			if m.session.Busy() {
				m.session.Cancel()
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyCtrlN:
			if err := m.session.NewChat(); err != nil {
				m.err = err
				return m, nil
			}
			m.waiting, m.streaming = false, false
			m.err = nil
			m.textarea.Reset()
			m.textarea.Placeholder = TEXTINPUT_PLACEHOLDER
			m.textarea.Focus()
			m.refresh()
			m.suggestions, m.loadingSuggestions = nil, true
			return m, m.suggestCmd()

		case tea.KeyCtrlH:
			store := m.app.store
			ctx := m.ctx
			return m, func() tea.Msg {
				chats, err := store.ListChats(ctx, 50)
				return chatsMsg{chats: chats, err: err}
			}

		case tea.KeyCtrlO:
			client, cfg, ctx := m.app.client, m.app.cfg, m.ctx
			m.status = "loading models..."
			return m, func() tea.Msg {
				models, err := fetchModels(ctx, client, cfg)
				return modelsMsg{models: models, err: err}
			}

		case tea.KeyCtrlS:
			if entries := m.session.Transcript(); len(entries) > 0 {
				m.copyToClipboard(formatTranscript(entries, transcriptFormat{UserName: m.userName, BotName: modelTitle(m.session.Model())}))
			}
			return m, nil

		case tea.KeyCtrlE:
			if entries := m.session.Transcript(); len(entries) > 0 {
				m.copyToClipboard(entries[len(entries)-1].Content)
			}
			return m, nil

		case tea.KeyCtrlX:
			if m.attachmentPath != "" {
				m.attachmentPath, m.attachmentURL = "", ""
				m.status = "attachment removed"
			}
			return m, nil

		case tea.KeyEnter:
			if msg.Alt {
				m.textarea.SetValue(m.textarea.Value() + "\n")
			} else {
				usermsg := m.textarea.Value()
				if len(strings.TrimSpace(usermsg)) == 0 {
					return m, nil
				}
				ret, cmds := m.sendMsg(usermsg)
				return ret, tea.Batch(tiCmd, vpCmd, cmds)
			}
		}

	case tea.WindowSizeMsg:
		m.textarea.SetWidth(msg.Width - 2)
		m.viewport.Width = msg.Width - 2
		m.viewportWidth = msg.Width - 2
		m.viewport.Height = msg.Height - 3 - m.textarea.Height() - m.footerHeight()
		m.picker.SetSize(msg.Width-2, msg.Height-2)
		m.refresh()

	case submitDoneMsg:
		if msg.err != nil {
			m.waiting = false
			m.err = msg.err
			if errors.Is(msg.err, chat.ErrEmptyMessage) {
				m.err = nil
			}
		}
		m.refresh()

	case loadDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.refresh()

	case sessionChangeMsg:
		switch msg.change.Kind {
		case chat.ChangeDelta:
			if m.waiting {
				m.waiting = false
				m.streaming = true
				m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
			}
		case chat.ChangeFinished:
			m.waiting, m.streaming = false, false
		case chat.ChangeFailed:
			m.waiting, m.streaming = false, false
			if !errors.Is(msg.change.Err, context.Canceled) {
				m.err = msg.change.Err
			}
		case chat.ChangeLoaded:
			m.waiting, m.streaming = false, false
			m.suggestions = nil
			m.status = fmt.Sprintf("opened chat #%d", msg.change.ChatID)
		}
		m.refresh()
		return m, tea.Batch(tiCmd, vpCmd)

	case suggestionsMsg:
		if msg.model == m.session.Model() {
			m.loadingSuggestions = false
			if len(m.session.Transcript()) == 0 {
				m.suggestions = msg.items
				if len(m.suggestions) > maxSuggestionKeys {
					m.suggestions = m.suggestions[:maxSuggestionKeys]
				}
			}
		}
		return m, nil

	case chatsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.mode = modeChats
		m.picker.Title = "Recent Chats"
		return m, m.picker.SetItems(chatItems(msg.chats))

	case modelsMsg:
		m.status = ""
		if msg.err != nil {
			m.err = fmt.Errorf("list models: %w", msg.err)
			return m, nil
		}
		m.mode = modeModels
		m.picker.Title = "Models"
		return m, m.picker.SetItems(modelItems(msg.models, m.app.run.ConfigName))

	case modelChangedMsg:
		if msg.name != m.app.run.ConfigName {
			return m.switchModel(msg.name, false)
		}
		return m, nil
	}

	if m.waiting || m.streaming {
		m.spinner, spCmd = m.spinner.Update(msg)
		if _, ok := msg.(spinner.TickMsg); ok {
			m.refresh()
		}
		return m, tea.Batch(tiCmd, vpCmd, spCmd)
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m chatTuiState) updatePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.picker.FilterState() == list.Filtering {
			break
		}
		switch msg.Type {
		case tea.KeyEsc, tea.KeyCtrlC:
			m.mode = modeChat
			return m, nil
		case tea.KeyEnter:
			item, ok := m.picker.SelectedItem().(pickItem)
			mode := m.mode
			m.mode = modeChat
			if !ok {
				return m, nil
			}
			if mode == modeChats {
				m.waiting, m.streaming = false, false
				return m, loadChatCmd(m.ctx, m.session, item.chatID)
			}
			return m.switchModel(item.value, true)
		}
	case tea.WindowSizeMsg:
		m.picker.SetSize(msg.Width-2, msg.Height-2)
	}

	var cmd tea.Cmd
	m.picker, cmd = m.picker.Update(msg)
	return m, cmd
}

func (m chatTuiState) switchModel(name string, persist bool) (tea.Model, tea.Cmd) {
	var model string
	var err error
	if persist {
		model, err = m.app.selectModel(name)
		if m.watcher != nil {
			m.watcher.remember(uiState{Model: name})
		}
	} else {
		model, err = m.app.resolveModel(name)
	}
	if err != nil {
		m.err = err
		return m, nil
	}
	m.session.SetModel(model)
	m.status = "model: " + modelTitle(model)
	m.refresh()
	if len(m.session.Transcript()) == 0 {
		m.suggestions, m.loadingSuggestions = nil, true
		return m, m.suggestCmd()
	}
	return m, nil
}

func (m *chatTuiState) copyToClipboard(text string) {
	if err := clipboard.WriteAll(text); err != nil {
		m.err = fmt.Errorf("clipboard: %w", err)
		return
	}
	m.status = "copied to clipboard"
}

func (m chatTuiState) footerHeight() int {
	return 2
}

func (m chatTuiState) header() string {
	model := m.session.Model()
	parts := []string{"DeepChat", modelTitle(model)}
	if id := m.session.ChatID(); id != 0 {
		parts = append(parts, "#"+strconv.FormatInt(int64(id), 10))
	}
	return headerStyle.Render(strings.Join(parts, " · ")) +
		dimStyle.Render("  ctrl+n new · ctrl+h chats · ctrl+o model · ctrl+s/ctrl+e copy")
}

func (m chatTuiState) suggestionsView() string {
	if len(m.session.Transcript()) != 0 {
		return ""
	}
	if m.loadingSuggestions {
		return dimStyle.Render("thinking of conversation starters...")
	}
	if len(m.suggestions) == 0 {
		return ""
	}
	cards := make([]string, 0, len(m.suggestions))
	for i, s := range m.suggestions {
		cards = append(cards, cardStyle.Render(
			cardTitleStyle.Render(fmt.Sprintf("alt+%d  %s", i+1, s.Title))+"\n"+dimStyle.Render(s.Text)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func (m chatTuiState) footer() string {
	var lines []string
	if m.attachmentPath != "" {
		lines = append(lines, attachmentStyle.Render("📎 "+m.attachmentPath+"  (ctrl+x to remove)"))
	}
	if m.err != nil {
		lines = append(lines, errorStyle.Render("error: "+m.err.Error()))
	} else if m.status != "" {
		lines = append(lines, dimStyle.Render(m.status))
	}
	return strings.Join(lines, "\n")
}

func (m chatTuiState) View() string {
	if m.mode != modeChat {
		return m.picker.View()
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if s := m.suggestionsView(); s != "" {
		b.WriteString(s)
		b.WriteString("\n")
	}
	if f := m.footer(); f != "" {
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString(m.textarea.View())
	b.WriteString("\n")
	return b.String()
}

// changeQueue hands messages to the program in order without blocking the
// sender. Session notifications can fire from inside Update (Cancel, NewChat),
// where a direct Program.Send would deadlock.
type changeQueue struct {
	mu      sync.Mutex
	pending []tea.Msg
	wake    chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{wake: make(chan struct{}, 1)}
}

func (q *changeQueue) push(msg tea.Msg) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *changeQueue) run(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, msg := range batch {
			send(msg)
		}
	}
}

// runTUI runs the interactive chat until the user quits.
func runTUI(ctx context.Context, a *app, opts tuiOptions) error {
	var prog atomic.Pointer[tea.Program]
	send := func(msg tea.Msg) {
		if p := prog.Load(); p != nil {
			p.Send(msg)
		}
	}
	queue := newChangeQueue()
	s := a.newSession(func(c chat.Change) {
		queue.push(sessionChangeMsg{change: c})
	})

	m, err := initialModel(ctx, a, s, opts)
	if err != nil {
		return err
	}

	watcher, err := watchState(a.statePath(), a.log, func(st uiState) {
		if st.Model != "" {
			queue.push(modelChangedMsg{name: st.Model})
		}
	})
	if err != nil {
		a.log.Warn("model selection will not sync between windows", "error", err)
	} else {
		defer watcher.Close()
		m.watcher = watcher
	}

	popts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if !isInteractive(os.Stdin.Fd()) {
		// stdin carried the piped message
		popts = append(popts, tea.WithInputTTY())
	}
	p := tea.NewProgram(m, popts...)
	prog.Store(p)

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go queue.run(pumpCtx, send)
	if opts.sendRightNow && strings.TrimSpace(opts.initialText) != "" {
		go p.Send(tea.KeyMsg{Type: tea.KeyEnter})
	}

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.log.Error("tui exited", "error", err)
		return err
	}
	s.Cancel()
	return nil
}
