package chat

import "strings"

// Role identifies who authored a message. Values match the session file format.
type Role string

const (
	Human Role = "human"
	AI    Role = "ai"
)

// Message is one turn of a transcript. It is never mutated after creation.
type Message struct {
	Type    Role   `json:"type" toml:"type"`
	Content string `json:"content" toml:"content"`
}

// HumanMessage builds a human turn.
func HumanMessage(content string) Message {
	return Message{Type: Human, Content: ValidText(content)}
}

// AIMessage builds an ai turn.
func AIMessage(content string) Message {
	return Message{Type: AI, Content: ValidText(content)}
}

// ValidText replaces invalid UTF-8 sequences with U+FFFD, the form the
// session file can hold, so a message reads back exactly as it was built.
func ValidText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
