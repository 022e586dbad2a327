package agent

import "github.com/martinemde/agentrt/llm"

// TurnInput is what a caller adds to a thread to start a turn.
type TurnInput struct {
	Messages []llm.Message
	// Model overrides Config.Model for this turn.
	Model string
}

// UserInput is a TurnInput holding a single user message.
func UserInput(text string) TurnInput {
	return TurnInput{Messages: []llm.Message{llm.UserMessage(text)}}
}

// ConversationView is a read-only snapshot of a thread's conversation handed
// to tools and hooks. Accessors return copies.
type ConversationView struct {
	messages []llm.Message
}

func newView(messages []llm.Message) ConversationView {
	return ConversationView{messages: messages[:len(messages):len(messages)]}
}

// Len returns the number of messages.
func (v ConversationView) Len() int { return len(v.messages) }

// Messages returns a deep copy of all messages.
func (v ConversationView) Messages() []llm.Message {
	return cloneMessages(v.messages)
}

// At returns a copy of message i.
func (v ConversationView) At(i int) llm.Message {
	return v.messages[i].Clone()
}

// Last returns a copy of the final message, if any.
func (v ConversationView) Last() (llm.Message, bool) {
	if len(v.messages) == 0 {
		return llm.Message{}, false
	}
	return v.messages[len(v.messages)-1].Clone(), true
}

// Count returns how many messages have role.
func (v ConversationView) Count(role llm.Role) int {
	n := 0
	for _, m := range v.messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

func cloneMessages(messages []llm.Message) []llm.Message {
	if messages == nil {
		return nil
	}
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// indexOf returns the position of the message with id, or -1.
func indexOf(messages []llm.Message, id string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
