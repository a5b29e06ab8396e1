// Package platform defines the contract between the core engines and the
// chat platform. The core never imports a platform SDK directly; it talks to
// the Client/Deliverer interfaces and classifies failures through the error
// taxonomy in errors.go.
package platform

import "context"

// Message is the minimal view of a platform message the core needs.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
}

// Mention is one entity referenced by a message, with the literal token the
// platform uses to render it (e.g. "<@123>").
type Mention struct {
	ID  string
	Tag string
}

// ContentEvent is an inbound "new message" notification.
//
// RawContent is the plain text; Payload is the structured body (embed
// description) timestamp extraction runs against; Labels are the interactive
// component labels attached to the message (trigger matching runs against
// these).
type ContentEvent struct {
	TenantID   string
	SourceID   string
	AuthorID   string
	ChannelID  string
	ThreadID   string // empty when the message spawned no thread
	RawContent string
	Payload    string
	Labels     []string
	Mentions   []Mention
}

// EditEvent is an inbound "message edited" notification.
type EditEvent struct {
	TenantID   string
	SourceID   string
	ChannelID  string
	ThreadID   string // empty when the message has no thread
	RawContent string
	Payload    string
	Mentions   []Mention
}

// Client is the platform action surface consumed by the executor and the
// ingest pin policy. Every call must honor ctx cancellation/deadline.
type Client interface {
	Pin(ctx context.Context, channelID, messageID string) error
	Unpin(ctx context.Context, channelID, messageID string) error
	ListPinned(ctx context.Context, channelID string) ([]Message, error)
	DeleteThread(ctx context.Context, threadID string) error
	CreateThread(ctx context.Context, channelID, messageID, name string) (threadID string, err error)
	RenameThread(ctx context.Context, threadID, name string) error

	// PurgeLast deletes the most recent message in channelID matching keep.
	// No match is not an error.
	PurgeLast(ctx context.Context, channelID string, match func(Message) bool) error
}
