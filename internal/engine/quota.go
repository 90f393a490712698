package engine

import (
	"errors"
	"fmt"
)

// PollQuota counts operation-complete polls within one query_wait step and
// enforces a maximum.
//
// The time budget already bounds a wait. The quota also bounds how much
// traffic a fast-answering but never-ready instrument can generate: with a
// 5s budget and a 50ms interval a stuck device would otherwise see a
// hundred polls.
//
// A zero limit disables the quota.
type PollQuota struct {
	maxPolls int
	current  int
}

// NewPollQuota creates a quota with the given limit.
func NewPollQuota(maxPolls int) *PollQuota {
	return &PollQuota{maxPolls: maxPolls}
}

// Check counts one poll and validates it against the limit.
//
// Returns PollsExceededError if the quota is exceeded.
func (q *PollQuota) Check(instrument, query string) error {
	q.current++
	if q.maxPolls > 0 && q.current > q.maxPolls {
		return &PollsExceededError{
			Instrument: instrument,
			Query:      query,
			Polls:      q.current,
			Limit:      q.maxPolls,
		}
	}
	return nil
}

// Current returns the number of polls counted so far.
func (q *PollQuota) Current() int {
	return q.current
}

// MaxPolls returns the limit; zero means unlimited.
func (q *PollQuota) MaxPolls() int {
	return q.maxPolls
}

// PollsExceededError is the cause of a query_wait that ran out of polls
// before its time budget. The step still fails with code TIMEOUT.
type PollsExceededError struct {
	Instrument string
	Query      string
	Polls      int
	Limit      int
}

// Error implements the error interface.
func (e *PollsExceededError) Error() string {
	return fmt.Sprintf("%s: %s exceeded poll quota: %d polls > %d limit",
		e.Instrument, e.Query, e.Polls, e.Limit)
}

// IsPollsExceededError returns true if the error is a PollsExceededError.
// Uses errors.As to handle wrapped errors.
func IsPollsExceededError(err error) bool {
	var pe *PollsExceededError
	return errors.As(err, &pe)
}
