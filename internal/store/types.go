package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// RelayTTL bounds how long a relay record outlives its last write.
	// Records older than this are pruned opportunistically on Flush.
	// 0 applies the default (14 days).
	RelayTTL time.Duration
}

const DefaultRelayTTL = 14 * 24 * time.Hour

// Kind is a deferred action kind.
type Kind string

const (
	KindUnpin        Kind = "unpin"
	KindThreadDelete Kind = "thread_delete"
)

// Action is the unit scheduled for future execution.
//
// Identity for idempotent enqueue and removal is (TenantID, Kind, ChannelID,
// TargetID). ID and Seq are bookkeeping: ID correlates log lines, Seq
// preserves per-tenant insertion order across restarts.
type Action struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Kind      Kind      `json:"kind"`
	ChannelID string    `json:"channel_id"`
	TargetID  string    `json:"target_id"`
	DueAt     time.Time `json:"due_at"`
	Retries   int       `json:"retries"`
	Seq       uint64    `json:"seq"`
}

// Key returns the idempotency key for the action.
func (a Action) Key() string {
	return strings.Join([]string{a.TenantID, string(a.Kind), a.ChannelID, a.TargetID}, "/")
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s/%s tenant=%s due=%s retries=%d",
		a.Kind, a.ChannelID, a.TargetID, a.TenantID, a.DueAt.UTC().Format(time.RFC3339), a.Retries)
}

// RelayCopy is one delivered copy of a relayed source message.
type RelayCopy struct {
	EndpointID string `json:"endpoint_id"`
	CopyID     string `json:"copy_id"`
}

// RelayRecord maps one source message to every copy delivered to subscriber
// endpoints. At most one record exists per SourceID; its presence alone is the
// forward-once mark, so a record may legitimately hold zero copies when every
// delivery failed.
type RelayRecord struct {
	SourceID  string      `json:"source_id"`
	TenantID  string      `json:"tenant_id"`
	Copies    []RelayCopy `json:"copies"`
	UpdatedAt time.Time   `json:"updated_at"`
}
