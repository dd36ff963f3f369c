package models

import "time"

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser SenderType = "user"
	SenderBot  SenderType = "bot"
)

// Valid reports whether the sender type is one of the known values.
func (s SenderType) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Direction indicates if a message is inbound or outbound relative to the
// external platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one persisted chat message in either direction.
//
// ChatID is the platform chat the message belongs to. For messages typed by a
// client the chat ID is supplied by the client; for inbound messages it is the
// Telegram chat the bot received the message in.
type Message struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chatId"`
	SenderID   string     `json:"senderId"`
	SenderType SenderType `json:"senderType"`
	Content    string     `json:"content"`
	IsRead     bool       `json:"isRead"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Direction derives the relay direction from the sender type.
func (m *Message) Direction() Direction {
	if m.SenderType == SenderBot {
		return DirectionInbound
	}
	return DirectionOutbound
}
