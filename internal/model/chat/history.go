package chat

// History is the ordered, append-only message buffer of the active session.
// The chain reads it as memory and the history store persists it, so both
// hold the same *History.
type History struct {
	messages []Message
}

// NewHistory returns a history seeded with a copy of messages.
func NewHistory(messages []Message) *History {
	return &History{messages: append([]Message(nil), messages...)}
}

// Messages returns a copy of the buffered messages in chronological order.
func (h *History) Messages() []Message {
	if h == nil {
		return nil
	}
	return append([]Message(nil), h.messages...)
}

// Len reports the number of buffered messages.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.messages)
}

// AddUserMessage appends a human turn.
func (h *History) AddUserMessage(content string) {
	h.messages = append(h.messages, HumanMessage(content))
}

// AddAIMessage appends an ai turn.
func (h *History) AddAIMessage(content string) {
	h.messages = append(h.messages, AIMessage(content))
}

// Reset replaces the buffer with a copy of messages.
func (h *History) Reset(messages []Message) {
	h.messages = append([]Message(nil), messages...)
}
