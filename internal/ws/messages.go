package ws

// Message types pushed to subscribers.
const (
	TypeSnapshot = "snapshot" // full value at the subscribed path
	TypeError    = "error"    // subscription ended by the server
)

// Message is the envelope every frame uses.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
