package session

import "github.com/MrWong99/englishpro/pkg/types"

// EventType names a session event on the wire.
type EventType string

const (
	// EventState carries a full snapshot after a transition.
	EventState EventType = "state"

	// EventTurn carries one appended transcript turn.
	EventTurn EventType = "turn"

	// EventFeedback carries the partner's structured reply.
	EventFeedback EventType = "feedback"

	// EventSpeech carries a speech coordinator state change of the live
	// connection attached to the session.
	EventSpeech EventType = "speech"

	// EventClosed is the last event of a removed session.
	EventClosed EventType = "closed"
)

// Event is published to the subscribers of a session.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"session_id"`
	Turn      *types.Turn           `json:"turn,omitempty"`
	Feedback  *types.FeedbackResult `json:"feedback,omitempty"`
	Snapshot  *Snapshot             `json:"snapshot,omitempty"`
	Speech    any                   `json:"speech,omitempty"`
}
