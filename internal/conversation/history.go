package conversation

// Role is the author of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation
type Turn struct {
	Role    Role
	Content string
}

// DefaultWindow is the number of non-system turns kept in history
const DefaultWindow = 5

// History is the bounded context of one session.
// The system prompt is always returned at index 0 and is never evicted;
// only the last window turns after it are retained.
type History struct {
	system Turn
	turns  []Turn
	window int
}

// NewHistory creates a history seeded with the system prompt
func NewHistory(systemPrompt string, window int) *History {
	if window <= 0 {
		window = DefaultWindow
	}
	return &History{
		system: Turn{Role: RoleSystem, Content: systemPrompt},
		window: window,
	}
}

// Append adds a turn and drops turns that fell out of the window.
// Dropped turns are discarded by building a new slice; retained turns are never modified.
func (h *History) Append(role Role, content string) {
	h.turns = append(h.turns, Turn{Role: role, Content: content})
	if len(h.turns) > h.window {
		kept := make([]Turn, h.window)
		copy(kept, h.turns[len(h.turns)-h.window:])
		h.turns = kept
	}
}

// Turns returns a copy of the system prompt followed by the windowed turns
func (h *History) Turns() []Turn {
	out := make([]Turn, 0, len(h.turns)+1)
	out = append(out, h.system)
	out = append(out, h.turns...)
	return out
}

// Len returns the number of turns including the system prompt
func (h *History) Len() int {
	return len(h.turns) + 1
}

// Window returns the configured window size
func (h *History) Window() int {
	return h.window
}
