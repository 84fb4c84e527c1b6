package queue

import "context"

// Attempt identifies which delivery of a job is running. Number starts at 1.
type Attempt struct {
	Number int
	Max    int
}

// Final reports whether no retry follows this attempt
func (a Attempt) Final() bool {
	return a.Number >= a.Max
}

type attemptKey struct{}

// WithAttempt attaches attempt metadata to a handler context
func WithAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFrom returns the attempt metadata set by the queue
func AttemptFrom(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}

// IsFinalAttempt reports whether a failure now dead-letters the job.
// Without queue metadata every attempt is final.
func IsFinalAttempt(ctx context.Context) bool {
	a, ok := AttemptFrom(ctx)
	if !ok {
		return true
	}
	return a.Final()
}
