package ws

// Клиент шлёт в сокет только служебные кадры: подтверждения событий и
// индикатор набора. Все мутации идут через REST.
const (
	FrameAck        = "ack"
	FrameTyping     = "typing"
	FrameStopTyping = "stop_typing"
)

// IncomingFrame is what the client sends to the server.
type IncomingFrame struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
