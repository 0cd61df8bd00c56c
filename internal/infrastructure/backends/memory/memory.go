// Package memory provides in-process implementations of the host backend
// interfaces. They back single-node deployments and every test that does
// not need a real transport.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamplug/streamplug/internal/domain/backends"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// Ledger keeps per-tenant point balances and doubles as the leaderboard
// source.
type Ledger struct {
	mu     sync.Mutex
	points map[string]map[string]int64 // tenant -> user -> balance
}

func NewLedger() *Ledger {
	return &Ledger{points: make(map[string]map[string]int64)}
}

func (l *Ledger) tenantBook(tenant string) map[string]int64 {
	book, ok := l.points[tenant]
	if !ok {
		book = make(map[string]int64)
		l.points[tenant] = book
	}
	return book
}

func (l *Ledger) Points(_ context.Context, tenant, user string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tenantBook(tenant)[user], nil
}

func (l *Ledger) AddPoints(_ context.Context, tenant, user string, amount int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenantBook(tenant)[user] += amount
	return nil
}

// RemovePoints floors at zero; balances never go negative.
func (l *Ledger) RemovePoints(_ context.Context, tenant, user string, amount int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	book := l.tenantBook(tenant)
	book[user] -= amount
	if book[user] < 0 {
		book[user] = 0
	}
	return nil
}

func (l *Ledger) Leaderboard(_ context.Context, tenant string, limit int) ([]backends.LeaderboardEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	book := l.tenantBook(tenant)
	entries := make([]backends.LeaderboardEntry, 0, len(book))
	for user, points := range book {
		entries = append(entries, backends.LeaderboardEntry{User: user, Points: points})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].User < entries[j].User
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Voting runs at most one active poll per tenant and remembers finished
// polls for result queries.
type Voting struct {
	mu     sync.Mutex
	active map[string]*backends.Poll          // tenant -> poll
	ended  map[string]*backends.Poll          // poll id -> poll
	voters map[string]map[string]struct{}     // poll id -> users who voted
	now    func() time.Time
}

func NewVoting() *Voting {
	return &Voting{
		active: make(map[string]*backends.Poll),
		ended:  make(map[string]*backends.Poll),
		voters: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func (v *Voting) StartPoll(_ context.Context, tenant, title string, options []string, creator string, duration time.Duration) (*backends.Poll, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.active[tenant]; ok && existing.Active && v.now().Before(existing.EndsAt) {
		return nil, fmt.Errorf("a poll is already active: %s", existing.Title)
	}

	poll := &backends.Poll{
		ID:      uuid.NewString(),
		Title:   title,
		Options: append([]string(nil), options...),
		Creator: creator,
		EndsAt:  v.now().Add(duration),
		Active:  true,
		Votes:   make([]int, len(options)),
	}
	v.active[tenant] = poll
	v.voters[poll.ID] = make(map[string]struct{})
	return clonePoll(poll), nil
}

func (v *Voting) Vote(_ context.Context, tenant, user, pollID string, optionIndex int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	poll, ok := v.active[tenant]
	if !ok || poll.ID != pollID || !poll.Active {
		return fmt.Errorf("poll %s is not active", pollID)
	}
	if v.now().After(poll.EndsAt) {
		return fmt.Errorf("poll %s has expired", pollID)
	}
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		return fmt.Errorf("option %d out of range", optionIndex)
	}
	if _, voted := v.voters[pollID][user]; voted {
		return fmt.Errorf("user %s already voted", user)
	}
	v.voters[pollID][user] = struct{}{}
	poll.Votes[optionIndex]++
	return nil
}

func (v *Voting) ActivePoll(_ context.Context, tenant string) (*backends.Poll, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	poll, ok := v.active[tenant]
	if !ok || !poll.Active || v.now().After(poll.EndsAt) {
		return nil, nil
	}
	return clonePoll(poll), nil
}

func (v *Voting) EndPoll(_ context.Context, tenant, pollID, reason string) (*backends.Poll, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	poll, ok := v.active[tenant]
	if !ok || poll.ID != pollID {
		return nil, fmt.Errorf("poll %s is not active", pollID)
	}
	poll.Active = false
	poll.EndedFor = reason
	delete(v.active, tenant)
	v.ended[poll.ID] = poll
	return clonePoll(poll), nil
}

func (v *Voting) PollResults(_ context.Context, tenant, pollID string) (*backends.Poll, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if poll, ok := v.active[tenant]; ok && poll.ID == pollID {
		return clonePoll(poll), nil
	}
	if poll, ok := v.ended[pollID]; ok {
		return clonePoll(poll), nil
	}
	return nil, fmt.Errorf("poll %s not found", pollID)
}

func clonePoll(p *backends.Poll) *backends.Poll {
	out := *p
	out.Options = append([]string(nil), p.Options...)
	out.Votes = append([]int(nil), p.Votes...)
	return &out
}

// audioItem is one queued playback entry.
type audioItem struct {
	Kind string // "sound" or "tts"
	Text string
}

// Audio queues playback entries per tenant. The real mixer drains the
// queue; tests and single-node setups just inspect it.
type Audio struct {
	mu     sync.Mutex
	queues map[string][]audioItem
}

func NewAudio() *Audio {
	return &Audio{queues: make(map[string][]audioItem)}
}

func (a *Audio) Play(_ context.Context, tenant, sound string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[tenant] = append(a.queues[tenant], audioItem{Kind: "sound", Text: sound})
	return nil
}

func (a *Audio) Speak(_ context.Context, tenant, text, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[tenant] = append(a.queues[tenant], audioItem{Kind: "tts", Text: text})
	return nil
}

func (a *Audio) Stop(_ context.Context, tenant string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q := a.queues[tenant]; len(q) > 0 {
		a.queues[tenant] = q[1:]
	}
	return nil
}

func (a *Audio) ClearQueue(_ context.Context, tenant string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[tenant] = nil
	return nil
}

func (a *Audio) QueueSize(_ context.Context, tenant string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[tenant]), nil
}

// ReplayQueue is a bounded queue of input-replay actions. A full queue
// refuses work instead of growing without limit.
type ReplayQueue struct {
	mu       sync.Mutex
	actions  []backends.ReplayAction
	capacity int
}

func NewReplayQueue(capacity int) *ReplayQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &ReplayQueue{capacity: capacity}
}

func (q *ReplayQueue) Enqueue(_ context.Context, action backends.ReplayAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) >= q.capacity {
		return fmt.Errorf("%w: replay queue is full (%d)", sandbox.ErrResourceLimit, q.capacity)
	}
	q.actions = append(q.actions, action)
	return nil
}

// Drain removes and returns every queued action.
func (q *ReplayQueue) Drain() []backends.ReplayAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.actions
	q.actions = nil
	return out
}

// MinigameFunc handles one minigame command.
type MinigameFunc func(ctx context.Context, tenant, user string, args []string) (string, error)

// Minigames routes commands to registered game handlers.
type Minigames struct {
	mu    sync.Mutex
	games map[string]MinigameFunc
}

func NewMinigames() *Minigames {
	return &Minigames{games: make(map[string]MinigameFunc)}
}

// Register attaches a handler for one command verb.
func (m *Minigames) Register(command string, fn MinigameFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[command] = fn
}

func (m *Minigames) HandleCommand(ctx context.Context, tenant, command, user string, args []string) (string, error) {
	m.mu.Lock()
	fn, ok := m.games[command]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown minigame command %s", command)
	}
	return fn(ctx, tenant, user, args)
}

// Suite wires every in-memory backend into one aggregate.
func Suite() *backends.Backends {
	ledger := NewLedger()
	return &backends.Backends{
		Ledger:      ledger,
		Leaderboard: ledger,
		Voting:      NewVoting(),
		Audio:       NewAudio(),
		Minigames:   NewMinigames(),
		Replay:      NewReplayQueue(0),
	}
}
