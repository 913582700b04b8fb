package config

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-assistant/backend/internal/service/llm"
)

// GenerationOptions 是从 model_config 中解析出的推理参数。
type GenerationOptions struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
	// Ignored 记录模型服务端在加载阶段才使用的键，例如 context_length。
	Ignored []string
}

// GenerationOptions 解析 model_config，类型不匹配时返回错误。
func (c *Config) GenerationOptions() (GenerationOptions, error) {
	var opts GenerationOptions

	for key, raw := range c.ModelConfig {
		switch strings.ToLower(key) {
		case "temperature":
			v, err := toFloat(key, raw)
			if err != nil {
				return opts, err
			}
			f := float32(v)
			opts.Temperature = &f
		case "top_p":
			v, err := toFloat(key, raw)
			if err != nil {
				return opts, err
			}
			f := float32(v)
			opts.TopP = &f
		case "max_new_tokens", "max_tokens":
			v, err := toFloat(key, raw)
			if err != nil {
				return opts, err
			}
			n := int(v)
			opts.MaxTokens = &n
		case "stop":
			stop, err := toStrings(key, raw)
			if err != nil {
				return opts, err
			}
			opts.Stop = stop
		default:
			opts.Ignored = append(opts.Ignored, key)
		}
	}

	sort.Strings(opts.Ignored)
	return opts, nil
}

// NewChatModel 按 model_provider 创建底层聊天模型。
func (c *Config) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	gen, err := c.GenerationOptions()
	if err != nil {
		return nil, err
	}
	if len(gen.Ignored) > 0 {
		log.Printf("[config] model_config keys not sent per request (runtime load options): %s", strings.Join(gen.Ignored, ", "))
	}

	switch c.ModelProvider {
	case ProviderArk:
		return c.newArkChatModel(ctx, gen)
	case ProviderOpenAI:
		return llm.NewChatModel(llm.Config{
			BaseURL:     c.ModelEndpoint,
			APIKey:      c.ModelAPIKey,
			Model:       c.ModelPath.Large,
			Temperature: gen.Temperature,
			TopP:        gen.TopP,
			MaxTokens:   gen.MaxTokens,
			Stop:        gen.Stop,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model_provider %q", c.ModelProvider)
	}
}

func (c *Config) newArkChatModel(ctx context.Context, gen GenerationOptions) (model.BaseChatModel, error) {
	a := c.Ark
	if a.APIKey == "" && (a.AccessKey == "" || a.SecretKey == "") {
		return nil, fmt.Errorf("Ark 凭证缺失，至少提供 ARK_API_KEY 或 AK/SK 组合")
	}

	modelName := a.Model
	if modelName == "" {
		modelName = c.ModelPath.Large
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     a.BaseURL,
		Region:      a.Region,
		APIKey:      a.APIKey,
		AccessKey:   a.AccessKey,
		SecretKey:   a.SecretKey,
		Model:       modelName,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		Stop:        gen.Stop,
	})
}

func toFloat(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("config: invalid model_config.%s value %q: %w", key, v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("config: invalid model_config.%s type %T", key, raw)
	}
}

func toStrings(key string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config: invalid model_config.%s entry type %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: invalid model_config.%s type %T", key, raw)
	}
}
