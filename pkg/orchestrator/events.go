package orchestrator

// Event types on the streaming channel.
const (
	EventChatCallback = "chat_callback"
	EventAgentStream  = "agent_stream"
	EventResponse     = "response"
	EventError        = "error"
)

// Callback subtypes for chat_callback events.
const (
	CallbackThinking = "thinking"
	CallbackReply    = "reply"
	CallbackError    = "error"
)

// Event is one entry on the per-request stream. Exactly one shape is
// populated, selected by Type.
type Event struct {
	Type         string `json:"type"`
	CallbackType string `json:"callback_type,omitempty"`
	Content      string `json:"content,omitempty"`
	Agent        string `json:"agent,omitempty"`
	Chunk        string `json:"chunk,omitempty"`
	Accumulated  string `json:"accumulated,omitempty"`
	Data         any    `json:"data,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Emitter receives events as the turn progresses. The orchestrator
// calls it inline, so a blocking implementation back-pressures the
// pipeline; implementations must deliver every event.
type Emitter func(Event)

func thinking(content string) Event {
	return Event{Type: EventChatCallback, CallbackType: CallbackThinking, Content: content}
}

func reply(content string) Event {
	return Event{Type: EventChatCallback, CallbackType: CallbackReply, Content: content}
}

func callbackError(content string) Event {
	return Event{Type: EventChatCallback, CallbackType: CallbackError, Content: content}
}

// StreamEvent is the per-fragment event for a streaming agent.
func StreamEvent(agent, chunk, accumulated string) Event {
	return Event{Type: EventAgentStream, Agent: agent, Chunk: chunk, Accumulated: accumulated}
}

// ResponseEvent is the terminal success envelope.
func ResponseEvent(data any) Event {
	return Event{Type: EventResponse, Data: data}
}

// ErrorEvent is the terminal failure envelope.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}
