package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/deepchat/completion"
)

func strPtr(s string) *string { return &s }

func TestResolveModelConfig(t *testing.T) {
	tempA := 0.5
	tempB := 0.7

	cfg := &ConfigFile{
		Models: map[string]ModelConfig{
			"base": {
				Temperature: &tempA,
				ExtraBody: map[string]interface{}{
					"param1": "value1",
					"nested": map[string]interface{}{
						"a": 1,
						"b": 2,
					},
				},
			},
			"child": {
				Extend:      strPtr("base"),
				Temperature: &tempB,
				ExtraBody: map[string]interface{}{
					"param2": "value2",
					"nested": map[string]interface{}{
						"b": 3,
						"c": 4,
					},
				},
			},
			"grandchild": {
				Extend: strPtr("child"),
				ExtraBody: map[string]interface{}{
					"param3": "value3",
				},
			},
			"cycle-a": {Extend: strPtr("cycle-b")},
			"cycle-b": {Extend: strPtr("cycle-a")},
		},
	}

	t.Run("Base Config", func(t *testing.T) {
		res, err := resolveModelConfig(cfg, "base")
		require.NoError(t, err)
		assert.Equal(t, tempA, *res.Temperature)
		assert.Equal(t, "value1", res.ExtraBody["param1"])
	})

	t.Run("Child Config", func(t *testing.T) {
		res, err := resolveModelConfig(cfg, "child")
		require.NoError(t, err)
		assert.Equal(t, tempB, *res.Temperature)
		assert.Equal(t, "value1", res.ExtraBody["param1"])
		assert.Equal(t, "value2", res.ExtraBody["param2"])
		assert.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 4}, res.ExtraBody["nested"])
	})

	t.Run("Grandchild Config", func(t *testing.T) {
		res, err := resolveModelConfig(cfg, "grandchild")
		require.NoError(t, err)
		assert.Equal(t, tempB, *res.Temperature)
		assert.Equal(t, "value3", res.ExtraBody["param3"])
		assert.Equal(t, "value1", res.ExtraBody["param1"])
	})

	t.Run("Circular Dependency", func(t *testing.T) {
		_, err := resolveModelConfig(cfg, "cycle-a")
		assert.Error(t, err)
	})

	t.Run("Unknown Name Is A Plain Model", func(t *testing.T) {
		res, err := resolveModelConfig(cfg, "deepseek-coder")
		require.NoError(t, err)
		assert.Nil(t, res.Temperature)
	})
}

func TestExpandAliases(t *testing.T) {
	cfg := &ConfigFile{Models: map[string]ModelConfig{
		"coder": {Model: strPtr("deepseek-coder"), Aliases: []string{"c", "code"}},
		"chat":  {Model: strPtr("deepseek-chat"), Aliases: []string{"coder"}},
	}}
	expandAliases(cfg)

	for _, alias := range []string{"c", "code"} {
		res, err := resolveModelConfig(cfg, alias)
		require.NoError(t, err, alias)
		assert.Equal(t, "deepseek-coder", *res.Model)
	}
	// A clashing alias never replaces a real entry.
	assert.Equal(t, "deepseek-coder", *cfg.Models["coder"].Model)
}

// clearEnv blanks every variable getRunConfig reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DEEPSEEK_API_KEY", "OPENAI_API_KEY", "DEEPSEEK_API_URL", "OPENAI_API_BASE", "TOGETHER_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestGetRunConfig_Precedence(t *testing.T) {
	temp := 0.3
	cfg := &ConfigFile{
		Default: "coder",
		ApiKey:  strPtr("global-key"),
		Timeout: func() *int { v := 30; return &v }(),
		Models: map[string]ModelConfig{
			"coder": {
				Model:       strPtr("deepseek-coder"),
				ApiBase:     strPtr("https://coder.example"),
				Temperature: &temp,
				ExtraBody:   map[string]interface{}{"top_p": 0.9},
			},
		},
	}

	t.Run("Defaults", func(t *testing.T) {
		clearEnv(t)
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags(nil))

		rc, err := getRunConfig(cmd, &ConfigFile{}, "")
		require.NoError(t, err)
		assert.Equal(t, defaultModel, rc.ModelName)
		assert.Equal(t, completion.DefaultBaseURL, rc.ApiBase)
		assert.Equal(t, defaultTimeout*time.Second, rc.Timeout)
		assert.Equal(t, defaultVisionModel, rc.Vision.Model)
		assert.Empty(t, rc.Vision.ApiKey)
		assert.False(t, rc.ForwardHistory)
	})

	t.Run("Config Default Model", func(t *testing.T) {
		clearEnv(t)
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags(nil))

		rc, err := getRunConfig(cmd, cfg, "")
		require.NoError(t, err)
		assert.Equal(t, "coder", rc.ConfigName)
		assert.Equal(t, "deepseek-coder", rc.ModelName)
		assert.Equal(t, "https://coder.example", rc.ApiBase)
		assert.Equal(t, "global-key", rc.ApiKey)
		assert.Equal(t, 30*time.Second, rc.Timeout)
		require.NotNil(t, rc.Temperature)
		assert.Equal(t, 0.3, *rc.Temperature)
		assert.Equal(t, 0.9, rc.ExtraBody["top_p"])
	})

	t.Run("Remembered Model Beats Config Default", func(t *testing.T) {
		clearEnv(t)
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags(nil))

		rc, err := getRunConfig(cmd, cfg, "deepseek-chat")
		require.NoError(t, err)
		assert.Equal(t, "deepseek-chat", rc.ModelName)
	})

	t.Run("Env Beats Config", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DEEPSEEK_API_KEY", "env-key")
		t.Setenv("TOGETHER_API_KEY", "together-key")
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags(nil))

		rc, err := getRunConfig(cmd, cfg, "")
		require.NoError(t, err)
		assert.Equal(t, "env-key", rc.ApiKey)
		assert.Equal(t, "together-key", rc.Vision.ApiKey)
	})

	t.Run("Flags Beat Everything", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DEEPSEEK_API_KEY", "env-key")
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags([]string{
			"-m", "deepseek-chat", "-k", "flag-key", "-b", "http://localhost:1", "--timeout", "5", "-v",
		}))

		rc, err := getRunConfig(cmd, cfg, "coder")
		require.NoError(t, err)
		assert.Equal(t, "deepseek-chat", rc.ModelName)
		assert.Equal(t, "flag-key", rc.ApiKey)
		assert.Equal(t, "http://localhost:1", rc.ApiBase)
		assert.Equal(t, 5*time.Second, rc.Timeout)
		assert.True(t, rc.Verbose)
	})

	t.Run("Circular Model Is An Error", func(t *testing.T) {
		clearEnv(t)
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags(nil))
		bad := &ConfigFile{Models: map[string]ModelConfig{
			"a": {Extend: strPtr("b")},
			"b": {Extend: strPtr("a")},
		}}
		_, err := getRunConfig(cmd, bad, "a")
		assert.Error(t, err)
	})
}

func TestConfigFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(`
default: coder
log_level: debug
forward_history: true
models:
  coder:
    model: deepseek-coder
    aliases: [c]
vision:
  model: some/vision-model
`), 0o600))

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "coder", cfg.Default)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NotNil(t, cfg.ForwardHistory)
	assert.True(t, *cfg.ForwardHistory)
	assert.Contains(t, cfg.Models, "c")
	assert.Equal(t, "some/vision-model", *cfg.Vision.Model)

	cfg.Profile = &ProfileConfig{FirstName: "Ada"}
	require.NoError(t, saveConfig(dir, cfg))

	raw, err := os.ReadFile(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\n    c:\n", "aliases are saved in compact form")

	again, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Profile.FirstName)
	assert.Equal(t, []string{"c"}, again.Models["coder"].Aliases)
	assert.Contains(t, again.Models, "c")
}

func TestLoadConfig_Missing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Models)
}

func TestConfigDir_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnvVar, dir)
	got, err := configDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestProfileUserName(t *testing.T) {
	var none *ProfileConfig
	assert.Equal(t, "You", none.userName())
	assert.Equal(t, "You", (&ProfileConfig{}).userName())
	assert.Equal(t, "Ada", (&ProfileConfig{FirstName: "Ada"}).userName())
	assert.Equal(t, "Lovelace", (&ProfileConfig{LastName: "Lovelace"}).userName())
	assert.Equal(t, "Ada Lovelace", (&ProfileConfig{FirstName: "Ada", LastName: "Lovelace"}).userName())
}

func TestParseLogLevel(t *testing.T) {
	for in, ok := range map[string]bool{"": true, "debug": true, "INFO": true, "warn": true, "error": true, "loud": false} {
		_, err := parseLogLevel(in)
		assert.Equal(t, ok, err == nil, in)
	}
}
