package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection. It may be
// re-sent; only the first one is honored.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Replay asks for the retained frame history before live frames.
	Replay bool `json:"replay,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Frame           int    `json:"frame"`
	Agents          int    `json:"agents"`
	History         int    `json:"history"`
	FPS             int    `json:"fps"`
}

// Server -> Client. Sent once per simulated frame.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Frame           int    `json:"frame"`

	Agents        []AgentState `json:"agents"`
	Keys          int          `json:"keys"`
	Registrations int          `json:"registrations"`
	ElapsedMS     float64      `json:"elapsed_ms"`
}

type AgentState struct {
	ID   string             `json:"id"`
	Pos  [3]float64         `json:"pos"`
	Rot  [3]float64         `json:"rot"`
	Tags map[string]float64 `json:"tags,omitempty"`
}
