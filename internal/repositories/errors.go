package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.Get(ctx, jobID)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint or a
// conditional state transition finds the row in a state outside the allowed
// set, for example completing a job that has already been canceled.
var ErrConflict = errors.New("record conflict")

// ErrNoneEligible is returned by AssignOne when no pending job can currently
// be matched to an online worker. It is an expected idle-loop outcome, not a
// failure.
var ErrNoneEligible = errors.New("no assignable job")
