package votes

import (
	"errors"
	"time"
)

// Position is a participant's stance on a debate.
type Position string

const (
	PositionPro     Position = "pro"
	PositionCon     Position = "con"
	PositionAbstain Position = "abstain"
)

// ParsePosition validates a raw position value.
func ParsePosition(value string) (Position, bool) {
	switch Position(value) {
	case PositionPro, PositionCon, PositionAbstain:
		return Position(value), true
	default:
		return "", false
	}
}

var (
	// ErrUnauthenticated indicates a missing or expired session token.
	ErrUnauthenticated = errors.New("votes: session invalid or expired")
	// ErrForbidden indicates the debate does not belong to the caller's activity.
	ErrForbidden = errors.New("votes: debate belongs to another activity")
	// ErrVotingNotAllowed indicates the debate's lifecycle state forbids voting.
	ErrVotingNotAllowed = errors.New("votes: debate does not accept votes")
	// ErrChangeNotAllowed indicates the activity forbids vote changes.
	ErrChangeNotAllowed = errors.New("votes: vote changes are not allowed")
	// ErrChangeQuotaExceeded indicates the change quota has been used up.
	ErrChangeQuotaExceeded = errors.New("votes: vote change quota exceeded")
	// ErrVoteLocked indicates the vote has been finalized.
	ErrVoteLocked = errors.New("votes: vote is locked")
)

// Record is the cache-resident vote document, the system's primary write
// path. The durable Vote row mirrors it asynchronously.
type Record struct {
	VoteID        string    `json:"vote_id"`
	ParticipantID string    `json:"participant_id"`
	DebateID      string    `json:"debate_id"`
	Position      Position  `json:"position"`
	ChangeCount   int       `json:"change_count"`
	IsFinal       bool      `json:"is_final"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HistoryEntry is one accepted vote change, append-only.
type HistoryEntry struct {
	EntryID     string    `json:"entry_id"`
	OldPosition Position  `json:"old_position"`
	NewPosition Position  `json:"new_position"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Session maps an opaque token to a checked-in participant.
type Session struct {
	ParticipantID     string    `json:"participant_id"`
	ActivityID        string    `json:"activity_id"`
	ParticipantCode   string    `json:"participant_code"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Vote is the durable mirror of a cache Record, written only by the
// reconciliation worker.
type Vote struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	ParticipantID string    `gorm:"column:participant_id;size:36;not null;index:idx_votes_debate_participant,priority:2"`
	DebateID      string    `gorm:"column:debate_id;size:36;not null;index:idx_votes_debate_participant,priority:1"`
	Position      Position  `gorm:"column:position;size:10;not null"`
	ChangeCount   int       `gorm:"column:change_count;not null;default:0"`
	IsFinal       bool      `gorm:"column:is_final;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// VoteHistory is the durable, append-only audit trail of vote changes.
type VoteHistory struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	VoteID      string    `gorm:"column:vote_id;size:36;not null;index"`
	OldPosition Position  `gorm:"column:old_position;size:10;not null"`
	NewPosition Position  `gorm:"column:new_position;size:10;not null"`
	ChangedAt   time.Time `gorm:"column:changed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteHistory) TableName() string {
	return "vote_history"
}

// Cache key scheme shared with the statistics aggregator.

// DirtyDebatesKey is the set of debate ids with cache writes not yet mirrored
// to the durable store.
const DirtyDebatesKey = "sync:dirty_debates"

func voteKey(debateID, participantID string) string {
	return "vote:" + debateID + ":" + participantID
}

func historyKey(debateID, participantID string) string {
	return voteKey(debateID, participantID) + ":history"
}

func sessionKey(token string) string {
	return "session:" + token
}

// VotersKey is the set of participant ids who have voted on a debate.
func VotersKey(debateID string) string {
	return "debate:" + debateID + ":votes"
}

// PositionKey is the set of participant ids currently on one position.
func PositionKey(debateID string, position Position) string {
	return "debate:" + debateID + ":position:" + string(position)
}

// ResultsKey caches a debate's aggregated results.
func ResultsKey(debateID string) string {
	return "debate:" + debateID + ":results"
}
