package ai

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
)

func newPromptTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
}

func buildChainInput(system string, messages []chat.Message, limit int, utterance string) map[string]any {
	return map[string]any{
		"system":  system,
		"history": buildHistoryMessages(messages, limit),
		"query":   utterance,
	}
}

// buildHistoryMessages 将会话记录转换为模型消息，只保留最近 limit 条。
func buildHistoryMessages(messages []chat.Message, limit int) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if limit > 0 && len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Type {
		case chat.Human:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.AI:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
