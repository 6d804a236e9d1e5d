package answer

// StopReason terminates an answer stream.
type StopReason string

const (
	StopFinished  StopReason = "FINISHED"
	StopCancelled StopReason = "CANCELLED"
)

// Event is one item on the answer stream. The concrete types below are
// the only implementations.
type Event interface{ isEvent() }

// AnswerPiece is a fragment of the user-visible answer text.
type AnswerPiece struct {
	Text string
}

// CitationInfo announces the first use of a cited document.
type CitationInfo struct {
	CitationNum int
	DocumentID  string
}

// ToolKickoff is emitted before a tool runs.
type ToolKickoff struct {
	ToolName  string
	Arguments map[string]any
}

// ToolResponse carries a tool's result. A failed tool fills Err instead
// of Response; the LLM sees the error text and may recover.
type ToolResponse struct {
	ToolName string
	Response any
	Err      string
}

// StreamStopInfo is the terminal event of every stream.
type StreamStopInfo struct {
	Reason StopReason
}

// StreamingError reports a failure after streaming already started.
type StreamingError struct {
	Message string
}

func (AnswerPiece) isEvent()    {}
func (CitationInfo) isEvent()   {}
func (ToolKickoff) isEvent()    {}
func (ToolResponse) isEvent()   {}
func (StreamStopInfo) isEvent() {}
func (StreamingError) isEvent() {}
