package models

import "time"

// Message captures one turn of the learning conversation about a conversion.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID           int64     `json:"id"`
	ConversionID int64     `json:"conversion_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatTurn is the wire form of a transcript entry as the frontend sends it.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
