package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kir-gadjello/deepchat/history"
)

// runDoctor prints a checklist of what deepchat needs to work.
func runDoctor(w io.Writer, dir string, rc RunConfig) {
	fmt.Fprintln(w, "deepchat doctor")
	fmt.Fprintln(w, "===============")

	if history.CheckFTS() {
		fmt.Fprintln(w, "✅ SQLite FTS5   : Enabled (Search Available)")
	} else {
		fmt.Fprintln(w, "❌ SQLite FTS5   : Disabled")
		fmt.Fprintln(w, "   -> FIX: Build with '-tags sqlite_fts5'")
	}

	configPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "✅ Configuration : Found (%s)\n", configPath)
	} else {
		fmt.Fprintf(w, "⚠️  Configuration : Missing (%s)\n", configPath)
	}

	fmt.Fprintf(w, "ℹ️  Model         : %s (%s)\n", rc.ModelName, rc.ApiBase)
	if rc.ApiKey != "" {
		fmt.Fprintln(w, "✅ API key       : Set")
	} else {
		fmt.Fprintln(w, "⚠️  API key       : Not set (DEEPSEEK_API_KEY or config api_key)")
	}

	if rc.Vision.ApiKey != "" {
		fmt.Fprintf(w, "✅ Vision        : %s\n", rc.Vision.Model)
	} else {
		fmt.Fprintln(w, "⚠️  Vision        : Disabled (set TOGETHER_API_KEY to attach images)")
	}
}
