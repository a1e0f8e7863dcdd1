package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kir-gadjello/deepchat/completion"
	"github.com/kir-gadjello/deepchat/history"
)

// pickItem is one row of a picker. value is what a selection returns.
type pickItem struct {
	title, desc, value string
	chatID             history.ChatID
}

func (i pickItem) Title() string       { return i.title }
func (i pickItem) Description() string { return i.desc }
func (i pickItem) FilterValue() string { return i.title + " " + i.desc }

func chatItems(chats []history.ChatSummary) []list.Item {
	items := make([]list.Item, len(chats))
	for i, c := range chats {
		items[i] = pickItem{
			title:  c.Title,
			desc:   fmt.Sprintf("#%d · %s · %d messages", c.ID, c.UpdatedAt.Format("01/02 15:04"), c.MessageCount),
			chatID: c.ID,
		}
	}
	return items
}

func modelItems(models []completion.Model, current string) []list.Item {
	items := make([]list.Item, len(models))
	for i, m := range models {
		desc := m.OwnedBy
		if m.ID == current {
			desc = "current · " + desc
		}
		title := modelTitle(m.ID)
		if title != m.ID {
			title = fmt.Sprintf("%s (%s)", title, m.ID)
		}
		items[i] = pickItem{title: title, desc: desc, value: m.ID}
	}
	return items
}

var pickerTitleStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#FFF")).
	Background(lipgloss.Color("#4D6BFE")).
	Padding(0, 1)

var pickerMargin = lipgloss.NewStyle().Margin(1, 2)

func newPickerList(title string, items []list.Item) list.Model {
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	l.Styles.Title = pickerTitleStyle
	return l
}

// pickerModel is a standalone full-screen picker.
type pickerModel struct {
	list     list.Model
	selected *pickItem
	quitting bool
}

func newPickerModel(title string, items []list.Item) pickerModel {
	return pickerModel{list: newPickerList(title, items)}
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i, ok := m.list.SelectedItem().(pickItem); ok {
				m.selected = &i
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		h, v := pickerMargin.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.quitting {
		return ""
	}
	return pickerMargin.Render(m.list.View())
}

// runPicker shows items full screen and returns the chosen one, or nil.
func runPicker(title string, items []list.Item) (*pickItem, error) {
	final, err := tea.NewProgram(newPickerModel(title, items), tea.WithAltScreen()).Run()
	if err != nil {
		return nil, err
	}
	return final.(pickerModel).selected, nil
}
