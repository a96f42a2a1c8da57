package models

// Role is the role of a history entry sent to the prediction endpoint.
type Role string

const (
	// RoleUser is the role of user-authored history entries.
	RoleUser Role = "user"
	// RoleAssistant is the role of every other history entry.
	RoleAssistant Role = "assistant"
)

// Message is the {role, content} form of a turn sent as conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prediction is the first prediction returned by the endpoint: the assistant's reply text and, when the
// reply includes a route, its map data.
type Prediction struct {
	Content string   `json:"content"`
	MapData *MapData `json:"mapData,omitempty"`
}

// History serializes turns into chronological {role, content} pairs.
func History(turns []Turn) []Message {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		role := RoleAssistant
		if t.Sender == SenderUser {
			role = RoleUser
		}
		msgs[i] = Message{
			Role:    role,
			Content: t.Text,
		}
	}
	return msgs
}
