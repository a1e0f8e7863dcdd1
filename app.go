package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/deepchat/chat"
	"github.com/kir-gadjello/deepchat/completion"
	"github.com/kir-gadjello/deepchat/history"
)

// app holds what every subcommand shares.
type app struct {
	dir    string
	cfg    *ConfigFile
	run    RunConfig
	store  *history.Store
	client *completion.Client
	vision *completion.Client
	log    *slog.Logger

	logFile *os.File
}

type appOptions struct {
	// tui sends logs to the log file instead of stderr.
	tui bool
	// noStore skips opening the history database.
	noStore bool
}

func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}

	a := &app{dir: dir, cfg: cfg}

	levelName := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		levelName, _ = cmd.Flags().GetString("log-level")
	}
	level, err := parseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	var logOut io.Writer = os.Stderr
	if opts.tui {
		f, err := openLogFile(dir)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logOut = f
	}
	a.log = setupLogging(logOut, level)

	st, err := loadState(a.statePath())
	if err != nil {
		a.log.Warn("ignoring state file", "error", err)
	}
	a.run, err = getRunConfig(cmd, cfg, st.Model)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client = completion.New(completion.Config{
		BaseURL: a.run.ApiBase,
		APIKey:  a.run.ApiKey,
		Timeout: a.run.Timeout,
		Verbose: a.run.Verbose,
		Logger:  a.log,
	})
	if a.run.Vision.ApiKey != "" {
		a.vision = completion.New(completion.Config{
			BaseURL: a.run.Vision.ApiBase,
			APIKey:  a.run.Vision.ApiKey,
			Timeout: a.run.Timeout,
			Verbose: a.run.Verbose,
			Logger:  a.log.With("endpoint", "vision"),
		})
	}

	if !opts.noStore {
		a.store, err = history.Open(chatContext(cmd), filepath.Join(dir, historyDBFileName), history.Options{
			JournalPath: filepath.Join(dir, historyJournalName),
			Logger:      a.log,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.log.Debug("app ready", "model", a.run.ModelName, "api_base", a.run.ApiBase, "vision", a.vision != nil)
	return a, nil
}

func (a *app) statePath() string {
	return filepath.Join(a.dir, stateFileName)
}

func (a *app) newSession(notify func(chat.Change)) *chat.Session {
	opts := chat.Options{
		Model:          a.run.ModelName,
		Temperature:    a.run.Temperature,
		Extra:          a.run.ExtraBody,
		ForwardHistory: a.run.ForwardHistory,
		Notify:         notify,
		Logger:         a.log,
	}
	if a.vision != nil {
		opts.Vision = chat.NewCompleter(a.vision)
		opts.VisionModel = a.run.Vision.Model
	}
	return chat.NewSession(a.store, chat.NewCompleter(a.client), opts)
}

func (a *app) newSuggester() *chat.Suggester {
	return chat.NewSuggester(a.client, a.run.ModelName, a.log)
}

// resolveModel maps a configured name or alias to the API model id and
// makes it current for this process.
func (a *app) resolveModel(name string) (string, error) {
	mc, err := resolveModelConfig(a.cfg, name)
	if err != nil {
		return "", err
	}
	model := name
	if mc.Model != nil {
		model = *mc.Model
	}
	a.run.ConfigName = name
	a.run.ModelName = model
	return model, nil
}

// selectModel is resolveModel plus remembering the choice for later runs.
func (a *app) selectModel(name string) (string, error) {
	model, err := a.resolveModel(name)
	if err != nil {
		return "", err
	}
	return model, saveState(a.statePath(), uiState{Model: name})
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing history", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// chatContext is the context for a command, cancelled on interrupt.
func chatContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
