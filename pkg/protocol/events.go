package protocol

// ProtocolVersion is bumped when the event envelope changes incompatibly.
const ProtocolVersion = 1

// EventMessageType discriminates the payload variant of an EventMessage.
type EventMessageType string

const (
	EventTypeGeneric          EventMessageType = "generic"
	EventTypeUser             EventMessageType = "user"
	EventTypeAssistant        EventMessageType = "assistant"
	EventTypeClientConnect    EventMessageType = "client_connect"
	EventTypeClientDisconnect EventMessageType = "client_disconnect"
	EventTypeClientStatus     EventMessageType = "client_status"
	EventTypePing             EventMessageType = "ping"
	EventTypePong             EventMessageType = "pong"
	EventTypeError            EventMessageType = "error"
	EventTypeMessage          EventMessageType = "message"
	EventTypeMessageChunk     EventMessageType = "message_chunk"
	EventTypeAgentState       EventMessageType = "agent_state"
	EventTypeAgentControl     EventMessageType = "agent_control"
	EventTypeAgentEvent       EventMessageType = "agent_event"
)

// EventMessage is the wire envelope for every event on the bus.
// The payload shape is selected by Type.
type EventMessage struct {
	Type               EventMessageType       `json:"type"`
	Payload            EventPayload           `json:"payload"`
	ClientID           string                 `json:"client_id,omitempty"`
	WebsocketRequestID string                 `json:"websocket_request_id,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// EventPayload carries the fields shared by all variants plus the
// variant-specific ones. Unused fields are omitted on the wire.
type EventPayload struct {
	Message            string                 `json:"message,omitempty"`
	Sender             string                 `json:"sender,omitempty"`
	Recipient          string                 `json:"recipient,omitempty"`
	ConversationID     string                 `json:"conversation_id,omitempty"`
	WebsocketRequestID string                 `json:"websocket_request_id,omitempty"`
	UserID             string                 `json:"user_id,omitempty"`
	MsgID              string                 `json:"msg_id,omitempty"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`

	// error payloads
	Code int `json:"code,omitempty"`

	// agent_control
	ControlType string                 `json:"control_type,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`

	// agent_state
	State          string `json:"state,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
}

// NewEvent builds an EventMessage with the given type and payload.
func NewEvent(t EventMessageType, payload EventPayload) *EventMessage {
	return &EventMessage{Type: t, Payload: payload}
}

// Agent control subtypes (in payload.control_type).
const (
	ControlStop  = "stop"
	ControlStart = "start"
	ControlReset = "reset"
)
