package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"

	BackendJSON   = "json"
	BackendSQLite = "sqlite"

	TranscriptionDisabled   = "disabled"
	TranscriptionWhisper    = "whisper"
	TranscriptionVolcengine = "volcengine"
)

// Config 聚合整个服务的配置项，启动时加载一次，之后只读。
type Config struct {
	ChatHistoryPath string         `yaml:"chat_history_path" toml:"chat_history_path" env:"CHAT_HISTORY_PATH"`
	HistoryBackend  string         `yaml:"history_backend" toml:"history_backend" env:"HISTORY_BACKEND"`
	ModelPath       ModelPaths     `yaml:"model_path" toml:"model_path"`
	ModelType       string         `yaml:"model_type" toml:"model_type" env:"MODEL_TYPE"`
	ModelConfig     map[string]any `yaml:"model_config" toml:"model_config"`
	EmbeddingsPath  string         `yaml:"embeddings_path" toml:"embeddings_path" env:"EMBEDDINGS_PATH"`

	ModelProvider string    `yaml:"model_provider" toml:"model_provider" env:"MODEL_PROVIDER"`
	ModelEndpoint string    `yaml:"model_endpoint" toml:"model_endpoint" env:"MODEL_ENDPOINT"`
	ModelAPIKey   string    `yaml:"model_api_key" toml:"model_api_key" env:"MODEL_API_KEY"`
	SystemPrompt  string    `yaml:"system_prompt" toml:"system_prompt" env:"SYSTEM_PROMPT"`
	HistoryLimit  int       `yaml:"history_limit" toml:"history_limit" env:"HISTORY_LIMIT"`
	Ark           ArkConfig `yaml:"ark" toml:"ark"`

	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Log           LogConfig           `yaml:"log" toml:"log"`
	Tracing       TracingConfig       `yaml:"tracing" toml:"tracing"`
	UI            UIConfig            `yaml:"ui" toml:"ui"`
}

// ModelPaths 对应配置中的 model_path 节点。
type ModelPaths struct {
	Large string `yaml:"large" toml:"large" env:"MODEL_PATH_LARGE"`
}

// ArkConfig 描述火山方舟模型的凭证。
type ArkConfig struct {
	APIKey    string `yaml:"api_key" toml:"api_key" env:"ARK_API_KEY"`
	AccessKey string `yaml:"access_key" toml:"access_key" env:"ARK_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" toml:"secret_key" env:"ARK_SECRET_KEY"`
	Model     string `yaml:"model" toml:"model" env:"ARK_MODEL"`
	BaseURL   string `yaml:"base_url" toml:"base_url" env:"ARK_BASE_URL"`
	Region    string `yaml:"region" toml:"region" env:"ARK_REGION"`
}

// TranscriptionConfig 描述语音转文字服务。
type TranscriptionConfig struct {
	Provider    string `yaml:"provider" toml:"provider" env:"TRANSCRIPTION_PROVIDER"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint" env:"TRANSCRIPTION_ENDPOINT"`
	Model       string `yaml:"model" toml:"model" env:"TRANSCRIPTION_MODEL"`
	Language    string `yaml:"language" toml:"language" env:"TRANSCRIPTION_LANGUAGE"`
	APIKey      string `yaml:"api_key" toml:"api_key" env:"TRANSCRIPTION_API_KEY"`
	AppID       string `yaml:"app_id" toml:"app_id" env:"SPEECH_APP_ID"`
	AccessToken string `yaml:"access_token" toml:"access_token" env:"SPEECH_ACCESS_TOKEN"`
	Concurrent  bool   `yaml:"concurrent" toml:"concurrent" env:"SPEECH_CONCURRENT_MODE"`
}

// Enabled 表示是否配置了可用的转写服务。
func (c TranscriptionConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != TranscriptionDisabled
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// LogConfig 控制日志文件轮转，File 为空时只输出到 stderr。
type LogConfig struct {
	File       string `yaml:"file" toml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TracingConfig 控制 OpenTelemetry 追踪输出。
type TracingConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"TRACING_ENABLED"`
	File    string `yaml:"file" toml:"file" env:"TRACING_FILE"`
}

// UIConfig 控制浏览器端会话状态的生命周期。
type UIConfig struct {
	StateTTL time.Duration `yaml:"state_ttl" toml:"state_ttl" env:"UI_STATE_TTL"`
}

// Default 返回未加载文件前的默认配置。
func Default() *Config {
	return &Config{
		ChatHistoryPath: "chat_sessions",
		HistoryBackend:  BackendJSON,
		ModelProvider:   ProviderOpenAI,
		ModelEndpoint:   "http://127.0.0.1:8080/v1",
		SystemPrompt:    DefaultSystemPrompt,
		Ark: ArkConfig{
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
			Region:  "cn-beijing",
		},
		Transcription: TranscriptionConfig{
			Provider: TranscriptionDisabled,
			Model:    "whisper-1",
		},
		Server: ServerConfig{Addr: ":8501"},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{File: "logs/traces.log"},
		UI:      UIConfig{StateTTL: 24 * time.Hour},
	}
}

// DefaultSystemPrompt 是未配置 system_prompt 时的指令。
const DefaultSystemPrompt = "You are an AI chatbot having a conversation with a human. " +
	"Answer the human's questions helpfully and concisely, using the previous conversation as context."

// Load 读取 YAML/TOML 配置文件，展开 ${VAR} 后再应用环境变量覆盖。
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables in %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	addr, err := resolveAddr(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.ChatHistoryPath = strings.TrimSpace(c.ChatHistoryPath)
	c.HistoryBackend = strings.ToLower(strings.TrimSpace(c.HistoryBackend))
	c.ModelProvider = strings.ToLower(strings.TrimSpace(c.ModelProvider))
	c.ModelPath.Large = strings.TrimSpace(c.ModelPath.Large)
	c.Transcription.Provider = strings.ToLower(strings.TrimSpace(c.Transcription.Provider))
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = TranscriptionDisabled
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// Validate 检查启动所必需的配置项。
func (c *Config) Validate() error {
	var errs []error

	if c.ModelPath.Large == "" {
		errs = append(errs, errors.New("config: model_path.large is required"))
	}
	if c.ChatHistoryPath == "" {
		errs = append(errs, errors.New("config: chat_history_path is required"))
	}
	switch c.HistoryBackend {
	case BackendJSON, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: unknown history_backend %q", c.HistoryBackend))
	}
	switch c.ModelProvider {
	case ProviderOpenAI, ProviderArk:
	default:
		errs = append(errs, fmt.Errorf("config: unknown model_provider %q", c.ModelProvider))
	}
	switch c.Transcription.Provider {
	case TranscriptionDisabled, TranscriptionWhisper, TranscriptionVolcengine:
	default:
		errs = append(errs, fmt.Errorf("config: unknown transcription.provider %q", c.Transcription.Provider))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("config: history_limit must be >= 0, got %d", c.HistoryLimit))
	}
	if _, err := c.GenerationOptions(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// resolveAddr 解析监听地址，PORT 环境变量优先。
func resolveAddr(configured string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = strings.TrimSpace(configured)
	}
	if port == "" {
		port = "8501"
	}

	if strings.Contains(port, ":") {
		// 允许直接传入 ":8501" 或 "127.0.0.1:8501"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}
