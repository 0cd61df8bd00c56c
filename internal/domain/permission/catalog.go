// Package permission defines the capability identifier catalog and the
// pure filtering logic that computes a plugin's granted permission set.
package permission

import "sort"

// ID is a capability identifier token, e.g. "points:write".
type ID string

// Recognized capability identifiers.
const (
	CoreLog         ID = "core:log"
	ChatSend        ID = "chat:send"
	PointsRead      ID = "points:read"
	PointsWrite     ID = "points:write"
	VotingRead      ID = "voting:read"
	VotingVote      ID = "voting:vote"
	VotingManage    ID = "voting:manage"
	AudioPlay       ID = "audio:play"
	AudioTTS        ID = "audio:tts"
	AudioControl    ID = "audio:control"
	MinigamesPlay   ID = "minigames:play"
	LeaderboardRead ID = "leaderboard:read"
	ReplayEnqueue   ID = "replay:enqueue"
)

// Catalog is the closed set of recognized capability identifiers with
// human-readable descriptions. Identifiers outside the catalog are invalid
// and dropped during filtering.
type Catalog map[ID]string

// DefaultCatalog returns the catalog of every capability the host can gate.
func DefaultCatalog() Catalog {
	return Catalog{
		CoreLog:         "Write messages to the host log.",
		ChatSend:        "Send chat messages through the secure context.",
		PointsRead:      "Read user point balances.",
		PointsWrite:     "Add or remove user points.",
		VotingRead:      "Read active polls and poll results.",
		VotingVote:      "Cast votes in active polls.",
		VotingManage:    "Create and end polls.",
		AudioPlay:       "Play predefined sounds.",
		AudioTTS:        "Queue text-to-speech output.",
		AudioControl:    "Stop audio, clear the queue, query queue status.",
		MinigamesPlay:   "Invoke minigames through the secure router.",
		LeaderboardRead: "Read the points leaderboard.",
		ReplayEnqueue:   "Enqueue bounded input-replay sequences.",
	}
}

// Knows reports whether id is a recognized capability identifier.
func (c Catalog) Knows(id ID) bool {
	_, ok := c[id]
	return ok
}

// Describe returns the human-readable description for id.
func (c Catalog) Describe(id ID) (string, bool) {
	desc, ok := c[id]
	return desc, ok
}

// IDs returns every identifier in the catalog, sorted.
func (c Catalog) IDs() []ID {
	ids := make([]ID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultBaseline is the permission set granted to every plugin whose
// requested set filters down to nothing. It is still intersected with the
// host allowlist before use.
func DefaultBaseline() Set {
	return NewSet(CoreLog)
}
