package server

// Wire messages sent to WebSocket clients. All frames from the server are
// JSON text messages with a discriminating "type" field; clients send raw
// binary PCM frames and never JSON.

const (
	msgTypeConnectionEstablished = "connection_established"
	msgTypeConnectionRejected    = "connection_rejected"
	msgTypeRecognitionResult     = "recognition_result"
	msgTypeError                 = "error"
)

// connectionEstablished is sent once after a connection is accepted.
type connectionEstablished struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Message   string `json:"message"`
}

// connectionRejected is sent before closing when a connection cannot be
// admitted, either because the slot limit is reached or the requested model
// is unknown.
type connectionRejected struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// recognitionResult carries one transcribed utterance.
type recognitionResult struct {
	Type       string       `json:"type"`
	Text       string       `json:"text"`
	IsFinal    bool         `json:"is_final"`
	Confidence float64      `json:"confidence"`
	Model      string       `json:"model"`
	Reason     string       `json:"reason"`
	DurationMs int64        `json:"duration_ms"`
	Words      []wordTiming `json:"words,omitempty"`
}

// wordTiming is per-word detail inside a recognitionResult. Start and End
// are seconds from the beginning of the segment.
type wordTiming struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
}

// errorMessage reports a segment that failed to recognize. The connection
// stays open; later segments may still succeed.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
