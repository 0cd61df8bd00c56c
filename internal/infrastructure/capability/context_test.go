package capability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplug/streamplug/internal/domain/backends"
	"github.com/streamplug/streamplug/internal/domain/permission"
	"github.com/streamplug/streamplug/internal/domain/plugin"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

type stubChat struct {
	tenant, platform, message string
}

func (s *stubChat) SendChat(_ context.Context, tenant, platform, message string) error {
	s.tenant, s.platform, s.message = tenant, platform, message
	return nil
}

type stubLedger struct {
	points map[string]int64
	added  int64
	reason string
}

func (s *stubLedger) Points(_ context.Context, _, user string) (int64, error) {
	return s.points[user], nil
}

func (s *stubLedger) AddPoints(_ context.Context, _, user string, amount int64, reason string) error {
	s.added += amount
	s.reason = reason
	return nil
}

func (s *stubLedger) RemovePoints(_ context.Context, _, user string, amount int64, reason string) error {
	s.added -= amount
	s.reason = reason
	return nil
}

type stubLeaderboard struct {
	limit int
}

func (s *stubLeaderboard) Leaderboard(_ context.Context, _ string, limit int) ([]backends.LeaderboardEntry, error) {
	s.limit = limit
	return []backends.LeaderboardEntry{{User: "top", Points: 100}}, nil
}

type stubReplay struct {
	action backends.ReplayAction
}

func (s *stubReplay) Enqueue(_ context.Context, action backends.ReplayAction) error {
	s.action = action
	return nil
}

func fullGrant(t *testing.T) permission.Set {
	t.Helper()
	set := permission.NewSet()
	for _, id := range permission.DefaultCatalog().IDs() {
		set.Add(id)
	}
	return set
}

func newTestContext(t *testing.T, granted permission.Set, b *backends.Backends) *Context {
	t.Helper()
	return NewContext(plugin.MustNewName("tester"), granted, b)
}

func TestDispatchUnknownMethodIsViolationDespiteFullGrant(t *testing.T) {
	ctx := newTestContext(t, fullGrant(t), nil)

	for _, method := range []string{"os_system", "open_file", "sendChat", ""} {
		_, err := ctx.Dispatch(context.Background(), "tenant-1", method, nil)
		require.Error(t, err, method)
		assert.ErrorIs(t, err, sandbox.ErrSecurityViolation, method)
	}
}

func TestDispatchDeniedWithoutPermission(t *testing.T) {
	chat := &stubChat{}
	ctx := newTestContext(t, permission.NewSet(permission.CoreLog), &backends.Backends{Chat: chat})

	_, err := ctx.Dispatch(context.Background(), "tenant-1", "send_chat", []any{"hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrSecurityViolation)
	assert.Empty(t, chat.message, "backend must never be reached")
}

func TestDispatchRequiresTenant(t *testing.T) {
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Chat: &stubChat{}})

	_, err := ctx.Dispatch(context.Background(), "", "send_chat", []any{"hello"})
	assert.ErrorIs(t, err, sandbox.ErrValidation)

	// log does not need a tenant.
	_, err = ctx.Dispatch(context.Background(), "", "log", []any{"starting up"})
	assert.NoError(t, err)
}

func TestSendChatTruncatesMessage(t *testing.T) {
	chat := &stubChat{}
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Chat: chat})

	long := strings.Repeat("a", 1000)
	_, err := ctx.Dispatch(context.Background(), "tenant-1", "send_chat", []any{long})
	require.NoError(t, err)
	assert.Len(t, chat.message, maxChatMessageLen)
	assert.Equal(t, "twitch", chat.platform)
	assert.Equal(t, "tenant-1", chat.tenant)
}

func TestPointsOperations(t *testing.T) {
	ledger := &stubLedger{points: map[string]int64{"viewer": 7}}
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Ledger: ledger})

	result, err := ctx.Dispatch(context.Background(), "tenant-1", "get_points", []any{"viewer"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "add_points", []any{"viewer", float64(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ledger.added)
	assert.Equal(t, "plugin:tester", ledger.reason)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "add_points", []any{"viewer", float64(-5)})
	assert.ErrorIs(t, err, sandbox.ErrValidation)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "add_points", []any{"viewer", 2.5})
	assert.ErrorIs(t, err, sandbox.ErrValidation)
}

func TestStartPollValidatesOptionCount(t *testing.T) {
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Voting: &stubVoting{}})

	_, err := ctx.Dispatch(context.Background(), "tenant-1", "start_poll", []any{"title", []any{"only one"}})
	assert.ErrorIs(t, err, sandbox.ErrValidation)

	options := make([]any, 11)
	for i := range options {
		options[i] = "opt"
	}
	_, err = ctx.Dispatch(context.Background(), "tenant-1", "start_poll", []any{"title", options})
	assert.ErrorIs(t, err, sandbox.ErrValidation)
}

type stubVoting struct {
	options  []string
	duration time.Duration
}

func (s *stubVoting) StartPoll(_ context.Context, _, title string, options []string, creator string, duration time.Duration) (*backends.Poll, error) {
	s.options = options
	s.duration = duration
	return &backends.Poll{ID: "p1", Title: title, Options: options, Creator: creator, Active: true}, nil
}

func (s *stubVoting) Vote(_ context.Context, _, _, _ string, _ int) error { return nil }
func (s *stubVoting) ActivePoll(_ context.Context, _ string) (*backends.Poll, error) {
	return nil, nil
}
func (s *stubVoting) EndPoll(_ context.Context, _, _, _ string) (*backends.Poll, error) {
	return nil, nil
}
func (s *stubVoting) PollResults(_ context.Context, _, _ string) (*backends.Poll, error) {
	return nil, nil
}

func TestStartPollTruncatesOptions(t *testing.T) {
	voting := &stubVoting{}
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Voting: voting})

	long := strings.Repeat("x", 200)
	_, err := ctx.Dispatch(context.Background(), "tenant-1", "start_poll", []any{"title", []any{long, "b"}})
	require.NoError(t, err)
	require.Len(t, voting.options, 2)
	assert.Len(t, voting.options[0], maxPollOptionLen)
	assert.Equal(t, defaultPollDuration, voting.duration)
}

func TestLeaderboardLimitClamped(t *testing.T) {
	lb := &stubLeaderboard{}
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Leaderboard: lb})

	_, err := ctx.Dispatch(context.Background(), "tenant-1", "get_leaderboard", []any{float64(5000)})
	require.NoError(t, err)
	assert.Equal(t, maxLeaderboard, lb.limit)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "get_leaderboard", []any{float64(0)})
	require.NoError(t, err)
	assert.Equal(t, 1, lb.limit)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "get_leaderboard", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, lb.limit)
}

func TestReplayEnqueueBoundsAndTag(t *testing.T) {
	replay := &stubReplay{}
	ctx := newTestContext(t, fullGrant(t), &backends.Backends{Replay: replay})

	longTag := strings.Repeat("c", 100)
	result, err := ctx.Dispatch(context.Background(), "tenant-1", "replay_enqueue",
		[]any{"wasd", 5.0, longTag, "viewer"})
	require.NoError(t, err)
	assert.NotEmpty(t, result)

	assert.Equal(t, "plugin:tester:"+strings.Repeat("c", maxReplayTagLen), replay.action.Command)
	assert.Equal(t, maxReplayDelay, replay.action.Delay, "delay clamps to the ceiling")
	assert.Equal(t, "tenant-1", replay.action.Tenant)

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "replay_enqueue", []any{"keys", 0.001})
	require.NoError(t, err)
	assert.Equal(t, minReplayDelay, replay.action.Delay, "delay clamps to the floor")

	_, err = ctx.Dispatch(context.Background(), "tenant-1", "replay_enqueue", []any{""})
	assert.ErrorIs(t, err, sandbox.ErrValidation)

	// A key sequence at the ceiling passes as-is; one over it is refused
	// rather than clipped into a different input.
	atCeiling := strings.Repeat("k", maxReplayKeysLen)
	_, err = ctx.Dispatch(context.Background(), "tenant-1", "replay_enqueue", []any{atCeiling})
	require.NoError(t, err)
	assert.Equal(t, atCeiling, replay.action.Keys)

	before := replay.action
	longKeys := strings.Repeat("k", 500)
	_, err = ctx.Dispatch(context.Background(), "tenant-1", "replay_enqueue", []any{longKeys})
	assert.ErrorIs(t, err, sandbox.ErrValidation)
	assert.Equal(t, before, replay.action, "refused sequence must never reach the queue")
}

func TestUnavailableBackend(t *testing.T) {
	ctx := newTestContext(t, fullGrant(t), nil)

	_, err := ctx.Dispatch(context.Background(), "tenant-1", "send_chat", []any{"hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestMethodsSurfaceIsFixed(t *testing.T) {
	ctx := newTestContext(t, permission.NewSet(), nil)
	methods := ctx.Methods()
	assert.Len(t, methods, 18)
	assert.Contains(t, methods, "log")
	assert.Contains(t, methods, "replay_enqueue")
	assert.NotContains(t, methods, "eval")
}
