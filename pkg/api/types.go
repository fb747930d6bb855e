package api

// --- Data Structures for WebSocket Messages ---

// Message types understood on the channel websocket.
const (
	TypeStick     = "stick"
	TypeEstop     = "estop"
	TypeRecording = "recording"
	TypePing      = "ping"
	TypePong      = "pong"
)

// ChannelMsg is the envelope of every channel websocket message. Fields are
// populated depending on Type; unknown types are ignored.
type ChannelMsg struct {
	Type    string  `json:"type"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Command string  `json:"command,omitempty"`
	Ts      float64 `json:"ts,omitempty"`
}
