// Package capability implements the gated operation surface a sandboxed
// plugin reaches through its capability channel. Every dispatch passes two
// independent checks: the fixed method allowlist and the plugin's granted
// permission set.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/streamplug/streamplug/internal/domain/backends"
	"github.com/streamplug/streamplug/internal/domain/permission"
	"github.com/streamplug/streamplug/internal/domain/plugin"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// Input bounds enforced on every dispatch, independent of permissions.
const (
	maxChatMessageLen = 400
	maxTTSLen         = 200
	maxPollOptions    = 10
	minPollOptions    = 2
	maxPollOptionLen  = 60
	maxReplayKeysLen  = 64
	maxReplayTagLen   = 32
	minReplayDelay    = 20 * time.Millisecond
	maxReplayDelay    = time.Second
	maxLeaderboard    = 100

	defaultPlatform     = "twitch"
	defaultPollDuration = 60 * time.Second
)

// operation binds one exposed method to the permission gating it and the
// handler servicing it.
type operation struct {
	perm permission.ID
	run  func(ctx context.Context, tenant string, args arguments) (any, error)

	// tenantFree operations work without a bound tenant; everything else
	// refuses dispatches that arrive outside a tenant-scoped entry point.
	tenantFree bool
}

// Context is the per-plugin capability dispatcher. It is immutable after
// construction; the transient tenant arrives with each dispatch, never
// stored here.
type Context struct {
	plugin   plugin.Name
	granted  permission.Set
	backends *backends.Backends
	ops      map[string]operation
}

// NewContext builds the dispatcher for one plugin instance with its
// load-time granted set.
func NewContext(name plugin.Name, granted permission.Set, b *backends.Backends) *Context {
	if b == nil {
		b = &backends.Backends{}
	}
	c := &Context{plugin: name, granted: granted, backends: b}
	c.ops = map[string]operation{
		"log":               {perm: permission.CoreLog, run: c.log, tenantFree: true},
		"send_chat":         {perm: permission.ChatSend, run: c.sendChat},
		"get_points":        {perm: permission.PointsRead, run: c.getPoints},
		"add_points":        {perm: permission.PointsWrite, run: c.addPoints},
		"remove_points":     {perm: permission.PointsWrite, run: c.removePoints},
		"start_poll":        {perm: permission.VotingManage, run: c.startPoll},
		"vote":              {perm: permission.VotingVote, run: c.vote},
		"get_active_poll":   {perm: permission.VotingRead, run: c.getActivePoll},
		"end_poll":          {perm: permission.VotingManage, run: c.endPoll},
		"get_poll_results":  {perm: permission.VotingRead, run: c.getPollResults},
		"audio_play":        {perm: permission.AudioPlay, run: c.audioPlay},
		"audio_tts":         {perm: permission.AudioTTS, run: c.audioTTS},
		"audio_stop":        {perm: permission.AudioControl, run: c.audioStop},
		"audio_clear_queue": {perm: permission.AudioControl, run: c.audioClearQueue},
		"audio_queue_size":  {perm: permission.AudioControl, run: c.audioQueueSize},
		"get_leaderboard":   {perm: permission.LeaderboardRead, run: c.getLeaderboard},
		"minigames_command": {perm: permission.MinigamesPlay, run: c.minigamesCommand},
		"replay_enqueue":    {perm: permission.ReplayEnqueue, run: c.replayEnqueue},
	}
	return c
}

// Methods returns the fixed method allowlist, sorted for display.
func (c *Context) Methods() []string {
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// Dispatch services one capability request. The method allowlist is
// checked before the permission set: a method outside the surface is a
// security violation even when some permission would cover it.
func (c *Context) Dispatch(ctx context.Context, tenant, method string, args []any) (any, error) {
	op, ok := c.ops[method]
	if !ok {
		return nil, &sandbox.SecurityViolationError{Op: method, Reason: "method not exposed to plugins"}
	}
	if !c.granted.Has(op.perm) {
		return nil, &sandbox.SecurityViolationError{
			Op:     method,
			Reason: fmt.Sprintf("permission %s not granted to plugin %s", op.perm, c.plugin),
		}
	}
	if tenant == "" && !op.tenantFree {
		return nil, &sandbox.ValidationError{Reason: "no tenant bound to this dispatch"}
	}
	return op.run(ctx, tenant, arguments(args))
}

func (c *Context) log(_ context.Context, _ string, args arguments) (any, error) {
	msg, err := args.str(0, "message")
	if err != nil {
		return nil, err
	}
	slog.Info("plugin log", "plugin", c.plugin.String(), "message", msg)
	return nil, nil
}

func (c *Context) sendChat(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Chat == nil {
		return nil, fmt.Errorf("chat backend unavailable")
	}
	msg, err := args.str(0, "message")
	if err != nil {
		return nil, err
	}
	platform := args.strOr(1, defaultPlatform)
	return nil, c.backends.Chat.SendChat(ctx, tenant, platform, truncate(msg, maxChatMessageLen))
}

func (c *Context) getPoints(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Ledger == nil {
		return nil, fmt.Errorf("points backend unavailable")
	}
	user, err := args.str(0, "user")
	if err != nil {
		return nil, err
	}
	return c.backends.Ledger.Points(ctx, tenant, user)
}

func (c *Context) addPoints(ctx context.Context, tenant string, args arguments) (any, error) {
	return c.adjustPoints(ctx, tenant, args, true)
}

func (c *Context) removePoints(ctx context.Context, tenant string, args arguments) (any, error) {
	return c.adjustPoints(ctx, tenant, args, false)
}

func (c *Context) adjustPoints(ctx context.Context, tenant string, args arguments, add bool) (any, error) {
	if c.backends.Ledger == nil {
		return nil, fmt.Errorf("points backend unavailable")
	}
	user, err := args.str(0, "user")
	if err != nil {
		return nil, err
	}
	amount, err := args.int(1, "amount")
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, &sandbox.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	reason := args.strOr(2, "plugin:"+c.plugin.String())
	if add {
		return nil, c.backends.Ledger.AddPoints(ctx, tenant, user, amount, reason)
	}
	return nil, c.backends.Ledger.RemovePoints(ctx, tenant, user, amount, reason)
}

func (c *Context) startPoll(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Voting == nil {
		return nil, fmt.Errorf("voting backend unavailable")
	}
	title, err := args.str(0, "title")
	if err != nil {
		return nil, err
	}
	options, err := args.strSlice(1, "options")
	if err != nil {
		return nil, err
	}
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return nil, &sandbox.ValidationError{
			Field:  "options",
			Reason: fmt.Sprintf("need between %d and %d options, got %d", minPollOptions, maxPollOptions, len(options)),
		}
	}
	for i, opt := range options {
		options[i] = truncate(opt, maxPollOptionLen)
	}

	duration := defaultPollDuration
	if secs, ok := args.floatAt(2); ok {
		if secs < 1 {
			secs = 1
		}
		duration = time.Duration(secs * float64(time.Second))
	}
	return c.backends.Voting.StartPoll(ctx, tenant, title, options, "plugin:"+c.plugin.String(), duration)
}

func (c *Context) vote(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Voting == nil {
		return nil, fmt.Errorf("voting backend unavailable")
	}
	user, err := args.str(0, "user")
	if err != nil {
		return nil, err
	}
	pollID, err := args.str(1, "poll_id")
	if err != nil {
		return nil, err
	}
	option, err := args.int(2, "option")
	if err != nil {
		return nil, err
	}
	return nil, c.backends.Voting.Vote(ctx, tenant, user, pollID, int(option))
}

func (c *Context) getActivePoll(ctx context.Context, tenant string, _ arguments) (any, error) {
	if c.backends.Voting == nil {
		return nil, fmt.Errorf("voting backend unavailable")
	}
	return c.backends.Voting.ActivePoll(ctx, tenant)
}

func (c *Context) endPoll(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Voting == nil {
		return nil, fmt.Errorf("voting backend unavailable")
	}
	pollID, err := args.str(0, "poll_id")
	if err != nil {
		return nil, err
	}
	reason := args.strOr(1, "plugin:"+c.plugin.String())
	return c.backends.Voting.EndPoll(ctx, tenant, pollID, reason)
}

func (c *Context) getPollResults(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Voting == nil {
		return nil, fmt.Errorf("voting backend unavailable")
	}
	pollID, err := args.str(0, "poll_id")
	if err != nil {
		return nil, err
	}
	return c.backends.Voting.PollResults(ctx, tenant, pollID)
}

func (c *Context) audioPlay(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Audio == nil {
		return nil, fmt.Errorf("audio backend unavailable")
	}
	sound, err := args.str(0, "sound")
	if err != nil {
		return nil, err
	}
	return nil, c.backends.Audio.Play(ctx, tenant, sound)
}

func (c *Context) audioTTS(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Audio == nil {
		return nil, fmt.Errorf("audio backend unavailable")
	}
	text, err := args.str(0, "text")
	if err != nil {
		return nil, err
	}
	lang := args.strOr(1, "en")
	return nil, c.backends.Audio.Speak(ctx, tenant, truncate(text, maxTTSLen), lang)
}

func (c *Context) audioStop(ctx context.Context, tenant string, _ arguments) (any, error) {
	if c.backends.Audio == nil {
		return nil, fmt.Errorf("audio backend unavailable")
	}
	return nil, c.backends.Audio.Stop(ctx, tenant)
}

func (c *Context) audioClearQueue(ctx context.Context, tenant string, _ arguments) (any, error) {
	if c.backends.Audio == nil {
		return nil, fmt.Errorf("audio backend unavailable")
	}
	return nil, c.backends.Audio.ClearQueue(ctx, tenant)
}

func (c *Context) audioQueueSize(ctx context.Context, tenant string, _ arguments) (any, error) {
	if c.backends.Audio == nil {
		return nil, fmt.Errorf("audio backend unavailable")
	}
	return c.backends.Audio.QueueSize(ctx, tenant)
}

func (c *Context) getLeaderboard(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Leaderboard == nil {
		return nil, fmt.Errorf("leaderboard backend unavailable")
	}
	limit := int(args.intOr(0, 10))
	if limit < 1 {
		limit = 1
	}
	if limit > maxLeaderboard {
		limit = maxLeaderboard
	}
	return c.backends.Leaderboard.Leaderboard(ctx, tenant, limit)
}

func (c *Context) minigamesCommand(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Minigames == nil {
		return nil, fmt.Errorf("minigames backend unavailable")
	}
	command, err := args.str(0, "command")
	if err != nil {
		return nil, err
	}
	user, err := args.str(1, "user")
	if err != nil {
		return nil, err
	}
	rest, _ := args.strSlice(2, "args")
	return c.backends.Minigames.HandleCommand(ctx, tenant, command, user, rest)
}

func (c *Context) replayEnqueue(ctx context.Context, tenant string, args arguments) (any, error) {
	if c.backends.Replay == nil {
		return nil, fmt.Errorf("replay backend unavailable")
	}
	keys, err := args.str(0, "keys")
	if err != nil {
		return nil, err
	}
	if keys == "" {
		return nil, &sandbox.ValidationError{Field: "keys", Reason: "must not be empty"}
	}
	// Unlike chat and TTS text, a clipped key sequence would inject
	// different input than the plugin asked for, so oversize is refused.
	if len([]rune(keys)) > maxReplayKeysLen {
		return nil, &sandbox.ValidationError{
			Field:  "keys",
			Reason: fmt.Sprintf("longer than %d characters", maxReplayKeysLen),
		}
	}

	delay := 50 * time.Millisecond
	if secs, ok := args.floatAt(1); ok {
		delay = time.Duration(secs * float64(time.Second))
	}
	if delay < minReplayDelay {
		delay = minReplayDelay
	}
	if delay > maxReplayDelay {
		delay = maxReplayDelay
	}

	tag := truncate(args.strOr(2, "action"), maxReplayTagLen)
	action := backends.ReplayAction{
		ID:       uuid.NewString(),
		Command:  fmt.Sprintf("plugin:%s:%s", c.plugin, tag),
		Keys:     keys,
		Delay:    delay,
		User:     args.strOr(3, ""),
		Platform: args.strOr(4, defaultPlatform),
		Tenant:   tenant,
	}
	if err := c.backends.Replay.Enqueue(ctx, action); err != nil {
		return nil, err
	}
	return action.ID, nil
}

// truncate clips s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
