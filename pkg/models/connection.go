package models

import "time"

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
)

// ChannelRecord is the durable link between a user and one external bot
// account.
type ChannelRecord struct {
	UserID     string      `json:"userId"`
	Type       ChannelType `json:"type"`
	ChannelID  string      `json:"channelId"`
	Credential string      `json:"-"`
	Username   string      `json:"username,omitempty"`
	FirstName  string      `json:"firstName,omitempty"`
	LastName   string      `json:"lastName,omitempty"`
	IsActive   bool        `json:"isActive"`
	LastSync   time.Time   `json:"lastSync,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// HasCredential reports whether a credential is stored for the record.
func (r *ChannelRecord) HasCredential() bool {
	return r != nil && r.Credential != ""
}

// Clone returns a copy safe to hand across goroutines.
func (r *ChannelRecord) Clone() *ChannelRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// PlatformIdentity is what the external platform reports about a bot during
// the connection handshake.
type PlatformIdentity struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}
