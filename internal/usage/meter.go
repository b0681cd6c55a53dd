// Package usage apportions a job's synthesized characters between a user's
// included monthly quota and billable overage.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/storyloom/backend/internal/voices"
)

// ErrApportion flags quota bookkeeping the meter cannot make sense of
// (negative counters from a stale or corrupt read). Jobs must fail rather
// than bill against inconsistent numbers.
var ErrApportion = errors.New("quota apportionment error")

// Quota is a snapshot of one user's subscription allowance, read from the
// billing collaborator's tables. CharactersUsed is the consumed counter
// before the job being apportioned.
type Quota struct {
	UserID         string
	Tier           voices.PricingTier
	CharacterLimit int
	CharactersUsed int
	PeriodResetsAt time.Time
}

// Split divides a job's character count into the part covered by the
// subscription and the part billed as overage.
type Split struct {
	Included int
	Overage  int
}

// Apportion computes the included/overage split for requested characters
// against the quota snapshot. The snapshot must come from the same atomic
// operation that consumed the characters; apportioning against a separately
// read snapshot lets two concurrent jobs spend the same headroom twice.
//
// A user already past their limit gets zero included characters; exceeding
// the limit is allowed and simply makes the whole request overage.
func Apportion(q Quota, requested int) (Split, error) {
	if requested < 0 {
		return Split{}, fmt.Errorf("%w: negative character count %d", ErrApportion, requested)
	}
	if q.CharacterLimit < 0 {
		return Split{}, fmt.Errorf("%w: negative character limit %d for user %s", ErrApportion, q.CharacterLimit, q.UserID)
	}
	if q.CharactersUsed < 0 {
		return Split{}, fmt.Errorf("%w: negative consumed counter %d for user %s", ErrApportion, q.CharactersUsed, q.UserID)
	}

	headroom := q.CharacterLimit - q.CharactersUsed
	if headroom < 0 {
		headroom = 0
	}
	included := requested
	if included > headroom {
		included = headroom
	}
	return Split{Included: included, Overage: requested - included}, nil
}
