package agent

// Loop states. A run is generating until tool calls arrive, tool
// while dispatching them, and ends in exactly one of done, error or
// stopped.
const (
	StateGenerating = "generating"
	StateTool       = "tool"
	StateDone       = "done"
	StateError      = "error"
	StateStopped    = "stopped"
)

// Loop phases within a state.
const (
	PhaseStart            = "start"
	PhasePartialAssistant = "partial_assistant"
	PhaseToolResult       = "tool_result"
	PhaseToolError        = "tool_error"
	PhaseCompleted        = "completed"
	PhaseIdle             = "idle"
)

// Event is one status record from the loop. Text carries assistant
// deltas on partial_assistant; Tool/CallID/Result describe a dispatch
// on tool_result and tool_error; Reply carries the final assistant
// text on done. TPS is the running tokens-per-second estimate.
type Event struct {
	State  string  `json:"state"`
	Phase  string  `json:"phase"`
	Text   string  `json:"text,omitempty"`
	Tool   string  `json:"tool,omitempty"`
	CallID string  `json:"call_id,omitempty"`
	Result string  `json:"result,omitempty"`
	Reply  string  `json:"reply,omitempty"`
	Error  string  `json:"error,omitempty"`
	TPS    float64 `json:"tps"`
	Tokens int     `json:"tokens,omitempty"`
}
