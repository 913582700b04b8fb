// Package ai wraps the conversation chain: a prompt template feeding the
// configured chat model, with the session history as memory.
package ai

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
)

// StopSequence ends generation before the model starts writing the next human turn.
const StopSequence = "Human:"

var tracer = otel.Tracer("github.com/zhouzirui/z-assistant/backend/internal/service/ai")

// Options 控制提示词与上下文窗口。
type Options struct {
	SystemPrompt string
	// HistoryLimit 限制放入提示词的最近消息条数，0 表示不限制。
	HistoryLimit int
	// Stop 为 model_config.stop，与 StopSequence 一起随每次调用下发。
	Stop []string
}

// Service holds the compiled chain; one per process.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	historyLimit int
	stop         []string
}

// NewService compiles the prompt → model chain.
func NewService(ctx context.Context, chatModel model.BaseChatModel, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(newPromptTemplate())
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	limit := opts.HistoryLimit
	if limit < 0 {
		limit = 0
	}

	return &Service{
		chain:        runnable,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		historyLimit: limit,
		stop:         stopSequences(opts.Stop),
	}, nil
}

// Bind returns a conversation whose memory is h. The caller keeps
// ownership of h and is responsible for appending turns to it.
func (s *Service) Bind(h *chat.History) *Conversation {
	if h == nil {
		h = chat.NewHistory(nil)
	}
	return &Conversation{svc: s, history: h}
}

// Conversation is the chain bound to one session's history.
type Conversation struct {
	svc     *Service
	history *chat.History
}

// History returns the bound history.
func (c *Conversation) History() *chat.History {
	return c.history
}

// Run produces the ai reply to utterance. The history is not modified.
func (c *Conversation) Run(ctx context.Context, utterance string) (string, error) {
	ctx, span := tracer.Start(ctx, "chain.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("history.len", c.history.Len()),
		attribute.Int("utterance.len", len(utterance)),
	)

	resp, err := c.svc.chain.Invoke(ctx, c.input(utterance), c.svc.stopOption())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}

	reply := CleanReply(resp.Content)
	log.Printf("[ai] generated reply: history=%d, length=%d", c.history.Len(), len(reply))
	return reply, nil
}

// Stream streams the reply chunks. Callers concatenate them and pass the
// result through CleanReply before recording it.
func (c *Conversation) Stream(ctx context.Context, utterance string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := c.svc.chain.Stream(ctx, c.input(utterance), c.svc.stopOption())
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain: %w", err)
	}
	return stream, nil
}

func (c *Conversation) input(utterance string) map[string]any {
	return buildChainInput(c.svc.systemPrompt, c.history.Messages(), c.svc.historyLimit, utterance)
}

// stopOption 每次调用都会覆盖模型配置里的 stop，所以配置值要一起带上。
func (s *Service) stopOption() compose.Option {
	return compose.WithChatModelOption(model.WithStop(s.stop))
}

func stopSequences(extra []string) []string {
	out := []string{StopSequence}
	for _, seq := range extra {
		if seq == "" || slices.Contains(out, seq) {
			continue
		}
		out = append(out, seq)
	}
	return out
}

// CleanReply trims whitespace and drops anything from a leaked stop sequence on.
func CleanReply(content string) string {
	if idx := strings.Index(content, StopSequence); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}
