package model

import "time"

// Channel is a notification delivery channel.
type Channel string

const (
	// ChannelInstant delivers one Telegram message per announcement.
	ChannelInstant Channel = "instant"
	// ChannelDigest accumulates announcements into a daily email.
	ChannelDigest Channel = "digest"
)

// Subscriber is a user with a watchlist of owner keys.
type Subscriber struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	TelegramChatID string   `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id"`
	Email          string   `json:"email,omitempty" yaml:"email"`
	Instant        bool     `json:"instant" yaml:"instant"`
	Digest         bool     `json:"digest" yaml:"digest"`
	Watchlist      []string `json:"watchlist,omitempty" yaml:"watchlist"`
}

// Channels returns the channels this subscriber can be reached on.
func (s Subscriber) Channels() []Channel {
	var out []Channel
	if s.Instant && s.TelegramChatID != "" {
		out = append(out, ChannelInstant)
	}
	if s.Digest && s.Email != "" {
		out = append(out, ChannelDigest)
	}
	return out
}

// Destination returns the address used on ch.
func (s Subscriber) Destination(ch Channel) string {
	switch ch {
	case ChannelInstant:
		return s.TelegramChatID
	case ChannelDigest:
		return s.Email
	}
	return ""
}

// DigestIntent is a pending digest line for one subscriber.
type DigestIntent struct {
	ID           string     `json:"id"`
	SubscriberID string     `json:"subscriber_id"`
	Email        string     `json:"email"`
	DigestDate   string     `json:"digest_date"` // YYYY-MM-DD
	RecordID     string     `json:"record_id"`
	OwnerKey     string     `json:"owner_key"`
	CompanyName  string     `json:"company_name"`
	Title        string     `json:"title"`
	Summary      string     `json:"summary"`
	Category     string     `json:"category"`
	SourceURL    string     `json:"source_url"`
	CreatedAt    time.Time  `json:"created_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
}

// DigestDate formats t as the accumulator key.
func DigestDate(t time.Time) string { return t.UTC().Format("2006-01-02") }
