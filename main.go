package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/deepchat/history"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deepchat [message]",
		Short: "Chat with DeepSeek models from the terminal",
		Long: "Without arguments deepchat opens the chat UI. With a message it answers once and exits;\n" +
			"use -c to open the UI with the message instead.",
		Args:          cobra.ArbitraryArgs,
		RunE:          runRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("model", "m", "", "Model name or alias: deepseek-chat, deepseek-coder or one from config.yaml")
	pf.StringP("api-key", "k", "", "API key (default DEEPSEEK_API_KEY)")
	pf.StringP("api-base", "b", "", "API base URL (default https://api.deepseek.com)")
	pf.Int("timeout", defaultTimeout, "API timeout in seconds")
	pf.BoolP("verbose", "v", false, "http & debug logging")
	pf.String("log-level", "warn", "Log level: debug|info|warn|error")

	rootCmd.Flags().StringP("image", "I", "", "Attach an image (sent to the vision model)")
	rootCmd.Flags().BoolP("chat", "c", false, "Launch chat mode")
	rootCmd.Flags().Bool("chat-send", false, "Launch chat mode and send the first message right away")

	rootCmd.AddCommand(
		newAskCmd(),
		newChatsCmd(),
		newResumeCmd(),
		newSearchCmd(),
		newRenameCmd(),
		newSuggestCmd(),
		newModelsCmd(),
		newProfileCmd(),
		newDoctorCmd(),
	)
	return rootCmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	text, err := messageText(args, os.Stdin)
	if err != nil {
		return err
	}
	imagePath, _ := cmd.Flags().GetString("image")
	chatMode, _ := cmd.Flags().GetBool("chat")
	chatSend, _ := cmd.Flags().GetBool("chat-send")

	if text == "" || chatMode || chatSend {
		return openTUI(cmd, tuiOptions{initialText: text, attachment: imagePath, sendRightNow: chatSend})
	}
	return askOnce(cmd, 0, text, imagePath)
}

// messageText joins the arguments and appends piped stdin, if any.
func messageText(args []string, stdin *os.File) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if stdin == nil || isInteractive(stdin.Fd()) {
		return text, nil
	}
	info, err := stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return text, nil
	}
	piped, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return joinPiped(text, string(piped)), nil
}

func joinPiped(text, piped string) string {
	piped = strings.TrimSpace(piped)
	switch {
	case piped == "":
		return text
	case text == "":
		return piped
	}
	return text + "\n\n" + piped
}

func openTUI(cmd *cobra.Command, opts tuiOptions) error {
	if !isInteractive(os.Stdout.Fd()) {
		return errors.New("chat mode needs a terminal; pass a message to ask once")
	}
	a, err := newApp(cmd, appOptions{tui: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return runTUI(chatContext(cmd), a, opts)
}

func askOnce(cmd *cobra.Command, chatID history.ChatID, text, imagePath string) error {
	a, err := newApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := runAsk(chatContext(cmd), a, chatID, text, imagePath, cmd.OutOrStdout())
	if res.ChatID != 0 {
		a.log.Info("turn saved", "chat", res.ChatID)
	}
	return err
}

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask once and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(args, os.Stdin)
			if err != nil {
				return err
			}
			if text == "" {
				return errors.New("nothing to ask")
			}
			imagePath, _ := cmd.Flags().GetString("image")
			return askOnce(cmd, 0, text, imagePath)
		},
	}
	cmd.Flags().StringP("image", "I", "", "Attach an image (sent to the vision model)")
	return cmd
}

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List recent chats and pick one to resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			plain, _ := cmd.Flags().GetBool("plain")

			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			chats, err := a.store.ListChats(chatContext(cmd), limit)
			// the TUI reopens the store
			a.Close()
			if err != nil {
				return err
			}

			if plain || len(chats) == 0 || !isInteractive(os.Stdout.Fd()) {
				printChats(cmd.OutOrStdout(), chats)
				return nil
			}

			picked, err := runPicker("Chats", chatItems(chats))
			if err != nil || picked == nil {
				return err
			}
			return openTUI(cmd, tuiOptions{resume: picked.chatID})
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Number of chats to show")
	cmd.Flags().Bool("plain", false, "Print the list instead of opening a picker")
	return cmd
}

func printChats(w io.Writer, chats []history.ChatSummary) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "No chats yet.")
		return
	}
	for _, c := range chats {
		fmt.Fprintf(w, "%6d  %s  %3d  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.MessageCount, c.Title)
	}
}

func parseChatID(s string) (history.ChatID, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return history.ChatID(n), nil
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <chat-id> [message]",
		Short: "Resume a previous chat",
		Long:  "Opens the chat in the UI, or with a message, appends one turn to it and prints the reply.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			text, err := messageText(args[1:], os.Stdin)
			if err != nil {
				return err
			}
			imagePath, _ := cmd.Flags().GetString("image")
			if text == "" {
				return openTUI(cmd, tuiOptions{resume: id, attachment: imagePath})
			}
			return askOnce(cmd, id, text, imagePath)
		},
	}
	cmd.Flags().StringP("image", "I", "", "Attach an image (sent to the vision model)")
	return cmd
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversation history",
		Long:  "Search for messages in history. Use 'user:term' or 'ai:term' to filter by role.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.store.Search(chatContext(cmd), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No matches found.")
				return nil
			}
			color := isInteractive(os.Stdout.Fd())
			for _, r := range results {
				ts := r.Timestamp.Format("2006-01-02 15:04")
				if color {
					ts = "\033[1;34m" + ts + "\033[0m"
				}
				fmt.Fprintf(out, "%s [#%d] (%s): %s\n", ts, r.ChatID, r.Role, r.Preview)
			}
			return nil
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat-id> <title>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.RenameChat(chatContext(cmd), id, strings.Join(args[1:], " "))
		},
	}
}

func newSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Suggest conversation starters for the current model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{noStore: true})
			if err != nil {
				return err
			}
			defer a.Close()

			items := a.newSuggester().Generate(chatContext(cmd), a.run.ModelName)
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No suggestions right now.")
				return nil
			}
			for i, s := range items {
				fmt.Fprintf(out, "%d. %s\n   %s\n", i+1, s.Title, s.Text)
			}
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models, or select the default with --select",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{noStore: true})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if name, _ := cmd.Flags().GetString("select"); name != "" {
				model, err := a.selectModel(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Selected %s (%s)\n", modelTitle(model), model)
				return nil
			}

			models, err := fetchModels(chatContext(cmd), a.client, a.cfg)
			if err != nil {
				return err
			}
			printModels(out, models, a.run.ConfigName)
			return nil
		},
	}
	cmd.Flags().String("select", "", "Remember this model for later runs")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system capabilities and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			st, _ := loadState(filepath.Join(dir, stateFileName))
			rc, err := getRunConfig(cmd, cfg, st.Model)
			if err != nil {
				return err
			}
			runDoctor(cmd.OutOrStdout(), dir, rc)
			return nil
		},
	}
}
