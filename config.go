package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kir-gadjello/deepchat/completion"
)

const (
	defaultModel        = "deepseek-chat"
	defaultTimeout      = 120
	defaultVisionBase   = "https://api.together.xyz/v1"
	defaultVisionModel  = "meta-llama/Llama-3.2-11B-Vision-Instruct-Turbo"
	configFileName      = "config.yaml"
	stateFileName       = "state.yaml"
	historyDBFileName   = "history.db"
	historyJournalName  = "history.jsonl"
	logFileName         = "deepchat.log"
	configDirEnvVar     = "DEEPCHAT_HOME"
	defaultConfigDirRel = ".deepchat"
)

type ModelConfig struct {
	Model       *string                `yaml:"model,omitempty"`
	ApiBase     *string                `yaml:"api_base,omitempty"`
	ApiKey      *string                `yaml:"api_key,omitempty"`
	Temperature *float64               `yaml:"temperature,omitempty"`
	Timeout     *int                   `yaml:"timeout,omitempty"` // Seconds
	ExtraBody   map[string]interface{} `yaml:"extra_body,omitempty"`
	Extend      *string                `yaml:"extend,omitempty"`
	Aliases     []string               `yaml:"aliases,omitempty"`
}

type VisionConfig struct {
	Model   *string `yaml:"model,omitempty"`
	ApiBase *string `yaml:"api_base,omitempty"`
	ApiKey  *string `yaml:"api_key,omitempty"`
}

type ProfileConfig struct {
	FirstName string `yaml:"first_name,omitempty"`
	LastName  string `yaml:"last_name,omitempty"`
	Avatar    string `yaml:"avatar,omitempty"`
}

type ConfigFile struct {
	Default        string                 `yaml:"default,omitempty"`
	ApiBase        *string                `yaml:"api_base,omitempty"`
	ApiKey         *string                `yaml:"api_key,omitempty"`
	Timeout        *int                   `yaml:"timeout,omitempty"` // Global default in seconds
	LogLevel       string                 `yaml:"log_level,omitempty"`
	ForwardHistory *bool                  `yaml:"forward_history,omitempty"`
	Models         map[string]ModelConfig `yaml:"models,omitempty"`
	Vision         *VisionConfig          `yaml:"vision,omitempty"`
	Profile        *ProfileConfig         `yaml:"profile,omitempty"`
}

// configDir is where config, state, history and logs live.
func configDir() (string, error) {
	if dir := os.Getenv(configDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigDirRel), nil
}

// loadConfig reads dir/config.yaml. A missing file yields an empty config.
func loadConfig(dir string) (*ConfigFile, error) {
	configPath := filepath.Join(dir, configFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Don't fail if we can't create the directory; history will report it.
			os.MkdirAll(dir, 0o755)
			return &ConfigFile{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	expandAliases(&cfg)
	return &cfg, nil
}

// expandAliases turns every alias into a model entry extending its owner.
func expandAliases(cfg *ConfigFile) {
	if cfg.Models == nil {
		return
	}
	aliasMap := make(map[string]ModelConfig)
	for name, config := range cfg.Models {
		for _, alias := range config.Aliases {
			if _, exists := cfg.Models[alias]; exists {
				fmt.Fprintf(os.Stderr, "Warning: alias '%s' defined in model '%s' clashes with existing model. Ignoring alias.\n", alias, name)
				continue
			}
			if _, exists := aliasMap[alias]; exists {
				fmt.Fprintf(os.Stderr, "Warning: duplicate alias '%s' defined in model '%s'. Ignoring.\n", alias, name)
				continue
			}
			parentName := name
			aliasMap[alias] = ModelConfig{Extend: &parentName}
		}
	}
	for k, v := range aliasMap {
		cfg.Models[k] = v
	}
}

// saveConfig writes cfg to dir/config.yaml. Aliases are written back in
// their compact form.
func saveConfig(dir string, cfg *ConfigFile) error {
	out := *cfg
	if cfg.Models != nil {
		aliases := map[string]bool{}
		for _, mc := range cfg.Models {
			for _, a := range mc.Aliases {
				aliases[a] = true
			}
		}
		out.Models = make(map[string]ModelConfig, len(cfg.Models))
		for name, mc := range cfg.Models {
			if aliases[name] {
				continue
			}
			out.Models[name] = mc
		}
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, configFileName), data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{})
	}
	if override == nil {
		return base
	}

	result := make(map[string]interface{})
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if baseVal, ok := result[k]; ok {
			baseMap, baseOk := baseVal.(map[string]interface{})
			overrideMap, overrideOk := v.(map[string]interface{})
			if baseOk && overrideOk {
				result[k] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func resolveModelConfig(cfg *ConfigFile, modelName string) (ModelConfig, error) {
	if cfg == nil || len(cfg.Models) == 0 || modelName == "" {
		return ModelConfig{}, nil
	}
	return resolveModelConfigRec(cfg, modelName, map[string]bool{})
}

func resolveModelConfigRec(cfg *ConfigFile, modelName string, visited map[string]bool) (ModelConfig, error) {
	if modelName == "" {
		return ModelConfig{}, nil
	}

	if visited[modelName] {
		return ModelConfig{}, fmt.Errorf("circular dependency detected for model: %s", modelName)
	}
	visited[modelName] = true

	modelCfg, ok := cfg.Models[modelName]
	if !ok {
		// Unknown names are plain model ids.
		return ModelConfig{}, nil
	}

	if modelCfg.Extend == nil {
		return modelCfg, nil
	}

	parentCfg, err := resolveModelConfigRec(cfg, *modelCfg.Extend, visited)
	if err != nil {
		return ModelConfig{}, err
	}

	// Child overrides parent.
	merged := parentCfg
	if modelCfg.Model != nil {
		merged.Model = modelCfg.Model
	}
	if modelCfg.ApiBase != nil {
		merged.ApiBase = modelCfg.ApiBase
	}
	if modelCfg.ApiKey != nil {
		merged.ApiKey = modelCfg.ApiKey
	}
	if modelCfg.Temperature != nil {
		merged.Temperature = modelCfg.Temperature
	}
	if modelCfg.Timeout != nil {
		merged.Timeout = modelCfg.Timeout
	}
	merged.ExtraBody = mergeMaps(merged.ExtraBody, modelCfg.ExtraBody)
	merged.Extend = modelCfg.Extend
	merged.Aliases = modelCfg.Aliases

	return merged, nil
}

type VisionRunConfig struct {
	Model   string
	ApiBase string
	ApiKey  string
}

type RunConfig struct {
	// ConfigName is the name the user picked; ModelName is the id sent to
	// the API.
	ConfigName     string
	ModelName      string
	ApiKey         string
	ApiBase        string
	Temperature    *float64
	Timeout        time.Duration
	ExtraBody      map[string]interface{}
	ForwardHistory bool
	Verbose        bool
	Vision         VisionRunConfig
}

func getFirstEnv(fallback string, envVars ...string) string {
	for _, env := range envVars {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return fallback
}

// getRunConfig resolves settings. Precedence, lowest first: built-in
// defaults, global config, model config, environment, flags.
func getRunConfig(cmd *cobra.Command, cfg *ConfigFile, modelname string) (RunConfig, error) {
	if cfg == nil {
		cfg = &ConfigFile{}
	}
	flags := cmd.Flags()

	if flags.Changed("model") {
		modelname, _ = flags.GetString("model")
	}
	if modelname == "" {
		modelname = cfg.Default
	}
	if modelname == "" {
		modelname = defaultModel
	}

	rc := RunConfig{
		ConfigName: modelname,
		ModelName:  modelname,
		ApiBase:    completion.DefaultBaseURL,
		ExtraBody:  map[string]interface{}{},
	}

	timeoutSec := defaultTimeout
	if cfg.Timeout != nil {
		timeoutSec = *cfg.Timeout
	}
	if cfg.ApiBase != nil {
		rc.ApiBase = *cfg.ApiBase
	}
	if cfg.ApiKey != nil {
		rc.ApiKey = *cfg.ApiKey
	}
	if cfg.ForwardHistory != nil {
		rc.ForwardHistory = *cfg.ForwardHistory
	}

	resolved, err := resolveModelConfig(cfg, modelname)
	if err != nil {
		return RunConfig{}, err
	}
	if resolved.Model != nil {
		rc.ModelName = *resolved.Model
	}
	if resolved.ApiBase != nil {
		rc.ApiBase = *resolved.ApiBase
	}
	if resolved.ApiKey != nil {
		rc.ApiKey = *resolved.ApiKey
	}
	if resolved.Timeout != nil {
		timeoutSec = *resolved.Timeout
	}
	rc.Temperature = resolved.Temperature
	rc.ExtraBody = mergeMaps(rc.ExtraBody, resolved.ExtraBody)

	rc.ApiKey = getFirstEnv(rc.ApiKey, "DEEPSEEK_API_KEY", "OPENAI_API_KEY")
	rc.ApiBase = getFirstEnv(rc.ApiBase, "DEEPSEEK_API_URL", "OPENAI_API_BASE")

	if flags.Changed("api-key") {
		rc.ApiKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("api-base") {
		rc.ApiBase, _ = flags.GetString("api-base")
	}
	if flags.Changed("timeout") {
		timeoutSec, _ = flags.GetInt("timeout")
	}
	rc.Timeout = time.Duration(timeoutSec) * time.Second
	rc.Verbose, _ = flags.GetBool("verbose")

	rc.Vision = VisionRunConfig{Model: defaultVisionModel, ApiBase: defaultVisionBase}
	if v := cfg.Vision; v != nil {
		if v.Model != nil {
			rc.Vision.Model = *v.Model
		}
		if v.ApiBase != nil {
			rc.Vision.ApiBase = *v.ApiBase
		}
		if v.ApiKey != nil {
			rc.Vision.ApiKey = *v.ApiKey
		}
	}
	rc.Vision.ApiKey = getFirstEnv(rc.Vision.ApiKey, "TOGETHER_API_KEY")

	return rc, nil
}

// userName is the display name for user turns.
func (p *ProfileConfig) userName() string {
	if p == nil {
		return "You"
	}
	name := p.FirstName
	if p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += p.LastName
	}
	if name == "" {
		return "You"
	}
	return name
}
