// Package backends declares the tenant-keyed host systems the capability
// context dispatches into. The runtime only consumes these interfaces; the
// real ledger, transports, and mixers live outside the sandbox runtime.
package backends

import (
	"context"
	"time"
)

// LeaderboardEntry is one row of a points leaderboard.
type LeaderboardEntry struct {
	User   string `json:"user"`
	Points int64  `json:"points"`
}

// Poll describes an active or finished poll.
type Poll struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Options  []string  `json:"options"`
	Creator  string    `json:"creator"`
	EndsAt   time.Time `json:"ends_at"`
	Active   bool      `json:"active"`
	Votes    []int     `json:"votes"`
	EndedFor string    `json:"ended_for,omitempty"`
}

// ReplayAction is a bounded input-replay request queued on behalf of a
// plugin. Command carries the plugin-prefixed tag; Keys is the raw key
// sequence the tenant client replays.
type ReplayAction struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Keys     string        `json:"keys"`
	Delay    time.Duration `json:"delay"`
	User     string        `json:"user"`
	Platform string        `json:"platform"`
	Tenant   string        `json:"tenant"`
}

// ScoreLedger tracks per-tenant user point balances.
type ScoreLedger interface {
	Points(ctx context.Context, tenant, user string) (int64, error)
	AddPoints(ctx context.Context, tenant, user string, amount int64, reason string) error
	RemovePoints(ctx context.Context, tenant, user string, amount int64, reason string) error
}

// LeaderboardReader exposes read-only point rankings.
type LeaderboardReader interface {
	Leaderboard(ctx context.Context, tenant string, limit int) ([]LeaderboardEntry, error)
}

// ChatSender delivers a chat line on a tenant's transport.
type ChatSender interface {
	SendChat(ctx context.Context, tenant, platform, message string) error
}

// VotingEngine manages per-tenant polls.
type VotingEngine interface {
	StartPoll(ctx context.Context, tenant, title string, options []string, creator string, duration time.Duration) (*Poll, error)
	Vote(ctx context.Context, tenant, user, pollID string, optionIndex int) error
	ActivePoll(ctx context.Context, tenant string) (*Poll, error)
	EndPoll(ctx context.Context, tenant, pollID, reason string) (*Poll, error)
	PollResults(ctx context.Context, tenant, pollID string) (*Poll, error)
}

// AudioSystem plays sounds and text-to-speech on a tenant's mixer.
type AudioSystem interface {
	Play(ctx context.Context, tenant, sound string) error
	Speak(ctx context.Context, tenant, text, lang string) error
	Stop(ctx context.Context, tenant string) error
	ClearQueue(ctx context.Context, tenant string) error
	QueueSize(ctx context.Context, tenant string) (int, error)
}

// MinigameRouter routes minigame commands without exposing game internals.
type MinigameRouter interface {
	HandleCommand(ctx context.Context, tenant, command, user string, args []string) (string, error)
}

// ReplayQueue accepts bounded input-replay actions for a tenant's client.
type ReplayQueue interface {
	Enqueue(ctx context.Context, action ReplayAction) error
}

// Backends aggregates every host system the capability context can reach.
// Nil fields mean the corresponding operations fail with an unavailability
// error instead of panicking.
type Backends struct {
	Ledger      ScoreLedger
	Leaderboard LeaderboardReader
	Chat        ChatSender
	Voting      VotingEngine
	Audio       AudioSystem
	Minigames   MinigameRouter
	Replay      ReplayQueue
}
