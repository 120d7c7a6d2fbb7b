package votes

import (
	"github.com/openfloor/podium/internal/activities"
)

// applyChangeGate enforces the activity's vote-change policy against an
// existing record. A nil record is always accepted with change_count 0; an
// accepted change returns the incremented count.
func applyChangeGate(cfg activities.VoteConfig, existing *Record) (int, error) {
	if existing == nil {
		return 0, nil
	}
	if !cfg.AllowVoteChange {
		return 0, ErrChangeNotAllowed
	}
	if existing.ChangeCount >= cfg.MaxVoteChanges {
		return 0, ErrChangeQuotaExceeded
	}
	if existing.IsFinal {
		return 0, ErrVoteLocked
	}
	return existing.ChangeCount + 1, nil
}
