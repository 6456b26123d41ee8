// Package store defines the persistence interfaces for users and
// messages (spec.md §6.3) and a default GORM/SQLite implementation of
// each, grounded in the teacher's internal/database package.
package store

import "time"

// MessageType mirrors the wire's messageType values for persisted
// messages.
type MessageType string

const (
	MessageText      MessageType = "TEXT"
	MessageSystem    MessageType = "SYSTEM"
	MessageImage     MessageType = "IMAGE"
	MessageFile      MessageType = "FILE"
	MessageHeartbeat MessageType = "HEARTBEAT"
	MessageHandshake MessageType = "HANDSHAKE"
)

// User is the persisted roster record (spec.md §3, §6.3).
type User struct {
	ID           string `gorm:"column:id;primaryKey"`
	Username     string `gorm:"column:username"`
	PublicKey    string `gorm:"column:public_key"`
	IsHost       bool   `gorm:"column:is_host"`
	IsOnline     bool   `gorm:"column:is_online;index"`
	LastSeen     int64  `gorm:"column:last_seen"`
	ConnectionID string `gorm:"column:connection_id"`
	IPAddress    string `gorm:"column:ip_address"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the GORM table name so it matches §6.3 exactly.
func (User) TableName() string { return "users" }

// Message is the persisted audit/replay record (spec.md §3, §6.3).
type Message struct {
	ID          string      `gorm:"column:id;primaryKey"`
	Content     string      `gorm:"column:content"`
	SenderID    string      `gorm:"column:sender_id;index"`
	SenderName  string      `gorm:"column:sender_name"`
	Timestamp   int64       `gorm:"column:timestamp;index"`
	Type        MessageType `gorm:"column:type;index"`
	RoomID      string      `gorm:"column:room_id"`
	IsEncrypted bool        `gorm:"column:is_encrypted"`
	CreatedAt   time.Time
}

// TableName pins the GORM table name so it matches §6.3 exactly.
func (Message) TableName() string { return "messages" }
