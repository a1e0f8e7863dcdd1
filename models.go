package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/kir-gadjello/deepchat/completion"
)

var modelTitles = map[string]string{
	"deepseek-chat":  "Chat",
	"deepseek-coder": "Coder",
}

// modelTitle is the short name shown in pickers and headers.
func modelTitle(id string) string {
	if t, ok := modelTitles[id]; ok {
		return t
	}
	return id
}

// fetchModels lists the API's models, sorted by id. Configured model names
// are added so aliases can be picked too.
func fetchModels(ctx context.Context, client *completion.Client, cfg *ConfigFile) ([]completion.Model, error) {
	models, err := client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		seen[m.ID] = true
	}
	if cfg != nil {
		for name := range cfg.Models {
			if !seen[name] {
				models = append(models, completion.Model{ID: name, OwnedBy: "config"})
				seen[name] = true
			}
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func printModels(w io.Writer, models []completion.Model, current string) {
	for _, m := range models {
		marker := " "
		if m.ID == current {
			marker = "*"
		}
		title := modelTitle(m.ID)
		if title != m.ID {
			fmt.Fprintf(w, "%s %-32s %s\n", marker, m.ID, title)
		} else {
			fmt.Fprintf(w, "%s %s\n", marker, m.ID)
		}
	}
}
