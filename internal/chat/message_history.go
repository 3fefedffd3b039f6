package chat

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Turn struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Media     []string  `json:"media,omitempty" yaml:"media,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	// Failed marks a user turn whose send never produced a reply. It is not part of the
	// remote conversation.
	Failed bool   `json:"failed,omitempty" yaml:"failed,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}
