// Package history defines the conversation log shared by text chat and voice
// sessions.
//
// Chat requests read the most recent entries to build the prompt context and
// append both sides of every exchange. Voice sessions append their transcripts
// when a turn completes.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"time"

	"github.com/MrWong99/tastemate/pkg/profile"
)

// Sources of an [Entry].
const (
	SourceChat  = "chat"
	SourceVoice = "voice"
)

// Entry is one recorded utterance.
type Entry struct {
	// Role is profile.RoleUser or profile.RoleModel.
	Role string

	// Text is the utterance content.
	Text string

	// Source is SourceChat or SourceVoice.
	Source string

	// Timestamp is when the entry was recorded.
	Timestamp time.Time
}

// Message converts the entry to the wire shape used in prompts.
func (e Entry) Message() profile.Message {
	return profile.NewMessage(e.Role, e.Text, e.Timestamp)
}

// Messages converts entries to prompt messages, preserving order.
func Messages(entries []Entry) []profile.Message {
	out := make([]profile.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message()
	}
	return out
}

// Store is an append-only conversation log.
type Store interface {
	// Append records entries in order.
	Append(ctx context.Context, entries ...Entry) error

	// Recent returns up to limit of the newest entries, oldest first.
	// A limit of 0 or less returns everything.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Searcher is implemented by stores that can look entries up by content.
type Searcher interface {
	// Search returns up to limit entries matching query, oldest first.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
}
