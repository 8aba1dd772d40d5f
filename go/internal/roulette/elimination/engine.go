// Package elimination implements the roulette: shuffle the submissions, then
// drop the last remaining one at a fixed pace until a single winner is left.
package elimination

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spendtimetogether/roulette/go/internal/models"
)

// ErrStopped is returned by Run when the emit callback refuses a step.
var ErrStopped = errors.New("elimination stopped")

// Shuffler permutes n elements through swap. rand.Shuffle satisfies it.
type Shuffler func(n int, swap func(i, j int))

// NoShuffle keeps the submission order; handy for deterministic tests.
func NoShuffle(int, func(i, j int)) {}

// Result is the outcome of one roulette run
type Result struct {
	Eliminated []models.Submission `json:"eliminated"`
	Winner     models.Submission   `json:"winner"`
}

// Engine runs the elimination sequence. It holds no session state.
type Engine struct {
	clock   clockwork.Clock
	pause   time.Duration
	shuffle Shuffler
}

// NewEngine creates an engine. A nil shuffler falls back to math/rand/v2.
func NewEngine(clock clockwork.Clock, pause time.Duration, shuffle Shuffler) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	return &Engine{clock: clock, pause: pause, shuffle: shuffle}
}

// Plan computes the elimination order without pausing. The input is not modified.
func (e *Engine) Plan(subs []models.Submission) Result {
	if len(subs) == 0 {
		return Result{}
	}

	remaining := make([]models.Submission, len(subs))
	copy(remaining, subs)
	e.shuffle(len(remaining), func(i, j int) {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	})

	eliminated := make([]models.Submission, 0, len(remaining)-1)
	for len(remaining) > 1 {
		last := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
		eliminated = append(eliminated, last)
	}

	return Result{Eliminated: eliminated, Winner: remaining[0]}
}

// Run plays the plan out in time. Before every elimination it waits for the
// configured pause, then re-checks ctx, then hands the step to emit. A false
// return from emit stops the run with ErrStopped.
//
// subs must be non-empty.
func (e *Engine) Run(ctx context.Context, subs []models.Submission, emit func(models.Submission) bool) (Result, error) {
	if len(subs) == 0 {
		return Result{}, errors.New("no submissions to eliminate")
	}

	plan := e.Plan(subs)
	for _, loser := range plan.Eliminated {
		if err := e.wait(ctx); err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !emit(loser) {
			return Result{}, ErrStopped
		}
	}

	return plan, nil
}

func (e *Engine) wait(ctx context.Context) error {
	if e.pause <= 0 {
		return nil
	}

	timer := e.clock.NewTimer(e.pause)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
