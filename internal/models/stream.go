package models

// StreamChunk is one element of the ordered stream a generation attempt
// delivers to its caller. Content chunks arrive first, in emission order;
// the stream ends with a single chunk carrying Done (success) or Error
// (terminal failure). A cancelled stream may end without a terminal chunk.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}
