package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	markdown "github.com/vlanse/go-term-markdown"
	"golang.org/x/term"

	"github.com/kir-gadjello/deepchat/chat"
	"github.com/kir-gadjello/deepchat/history"
)

func isInteractive(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// terminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func terminalWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

var markdownCache = struct {
	sync.Mutex
	cache map[string]string
}{cache: make(map[string]string)}

func renderMarkdown(content string, lineWidth, padding int) string {
	key := fmt.Sprintf("%s__%d__%d", content, lineWidth, padding)
	markdownCache.Lock()
	defer markdownCache.Unlock()
	if cached, ok := markdownCache.cache[key]; ok {
		return cached
	}
	rendered := string(markdown.Render(content, lineWidth, padding))
	markdownCache.cache[key] = rendered
	return rendered
}

type transcriptFormat struct {
	Markdown  bool
	LineWidth int
	Padding   int
	// Suffix is appended to the last message, e.g. a spinner.
	Suffix   string
	UserName string
	BotName  string
}

func (f transcriptFormat) roleName(role history.Role) string {
	switch role {
	case history.RoleUser:
		if f.UserName != "" {
			return f.UserName
		}
		return "You"
	case history.RoleBot:
		if f.BotName != "" {
			return f.BotName
		}
		return "DeepSeek"
	}
	return strings.ToUpper(string(role))
}

// formatTranscript renders entries as a readable log, one headed block per
// message.
func formatTranscript(entries []chat.Entry, f transcriptFormat) string {
	var ret strings.Builder

	for i, e := range entries {
		content := strings.TrimRight(e.Content, " \t\r\n")
		if e.ImageURL != "" {
			content = "[image attached]\n" + content
		}

		if e.Role == history.RoleUser && f.Markdown {
			// keep single newlines as line breaks
			content = strings.ReplaceAll(content, "\n", "  \n")
		}

		if f.Markdown {
			content = strings.TrimRight(renderMarkdown(content, f.LineWidth, f.Padding), " \t\r\n")
		}

		sfx := ""
		if i == len(entries)-1 {
			sfx = f.Suffix
		}

		fmt.Fprintf(&ret, "### %s:\n%s%s\n\n", f.roleName(e.Role), content, sfx)
	}

	return ret.String()
}
