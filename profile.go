package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// avatarHeight is the inline avatar size in pixels.
const avatarHeight = 96

// profileEdit holds the fields a profile command changes. Nil leaves a
// field as it is.
type profileEdit struct {
	FirstName *string
	LastName  *string
	Avatar    *string
}

// applyProfile validates and applies an edit to cfg. The avatar must be a
// readable image; an empty avatar clears it.
func applyProfile(cfg *ConfigFile, edit profileEdit) error {
	p := ProfileConfig{}
	if cfg.Profile != nil {
		p = *cfg.Profile
	}
	if edit.FirstName != nil {
		p.FirstName = strings.TrimSpace(*edit.FirstName)
	}
	if edit.LastName != nil {
		p.LastName = strings.TrimSpace(*edit.LastName)
	}
	if edit.Avatar != nil {
		path := strings.TrimSpace(*edit.Avatar)
		if path != "" {
			abs, err := filepath.Abs(path)
			if err != nil {
				return &PermissionError{Path: path, Err: err}
			}
			if _, err := loadImageAttachment(abs); err != nil {
				return err
			}
			path = abs
		}
		p.Avatar = path
	}
	cfg.Profile = &p
	return nil
}

func printProfile(w io.Writer, p *ProfileConfig, inline bool) {
	fmt.Fprintf(w, "Name:   %s\n", p.userName())
	if p == nil || p.Avatar == "" {
		fmt.Fprintln(w, "Avatar: none")
		return
	}
	fmt.Fprintf(w, "Avatar: %s\n", p.Avatar)
	if !inline {
		return
	}
	dataURL, err := loadImageAttachment(p.Avatar)
	if err != nil {
		fmt.Fprintf(w, "        %v\n", err)
		return
	}
	if err := displayImageInTerminal(w, dataURL, avatarHeight); err != nil {
		fmt.Fprintf(w, "        %v\n", err)
	}
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit your name and avatar",
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

			var edit profileEdit
			flags := cmd.Flags()
			changed := false
			for name, dst := range map[string]**string{
				"first-name": &edit.FirstName,
				"last-name":  &edit.LastName,
				"avatar":     &edit.Avatar,
			} {
				if flags.Changed(name) {
					v, _ := flags.GetString(name)
					*dst = &v
					changed = true
				}
			}

			if changed {
				if err := applyProfile(cfg, edit); err != nil {
					return err
				}
				if err := saveConfig(dir, cfg); err != nil {
					return err
				}
			}

			inline := isInteractive(os.Stdout.Fd()) && detectTerminalImageSupport()
			printProfile(cmd.OutOrStdout(), cfg.Profile, inline)
			return nil
		},
	}
	cmd.Flags().String("first-name", "", "First name shown on your messages")
	cmd.Flags().String("last-name", "", "Last name shown on your messages")
	cmd.Flags().String("avatar", "", "Path to an avatar image (empty to clear)")
	return cmd
}
