// Package pow defines the proof-of-work solver boundary. Solving is delegated to an
// external collaborator; this package only carries challenges out and answers back.
package pow

import (
	"context"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// Challenge is one backend-issued proof-of-work puzzle.
type Challenge struct {
	Service    string `json:"service"`
	Algorithm  string `json:"algorithm,omitempty"`
	Seed       string `json:"seed"`
	Salt       string `json:"salt,omitempty"`
	Difficulty string `json:"difficulty"`
	ExpireAt   int64  `json:"expireAt,omitempty"`
	Signature  string `json:"signature,omitempty"`
	TargetPath string `json:"targetPath,omitempty"`
}

// Solver turns a challenge into its solution string.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, ch Challenge) (string, error)

func (f SolverFunc) Solve(ctx context.Context, ch Challenge) (string, error) {
	return f(ctx, ch)
}

// Unavailable fails every challenge. It stands in when no solver is configured.
var Unavailable Solver = SolverFunc(func(_ context.Context, ch Challenge) (string, error) {
	return "", aierr.Raise(aierr.PowChallengeFailed, "no proof-of-work solver configured",
		aierr.WithContext("service", ch.Service))
})

// Solve runs s and folds every failure into POW_CHALLENGE_FAILED. Cancellation is
// returned unchanged so callers can stay silent.
func Solve(ctx context.Context, s Solver, ch Challenge) (string, error) {
	if s == nil {
		s = Unavailable
	}
	answer, err := s.Solve(ctx, ch)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if aierr.IsKind(err, aierr.PowChallengeFailed) {
			return "", err
		}
		return "", aierr.Raise(aierr.PowChallengeFailed, "proof-of-work solver failed",
			aierr.WithCause(err), aierr.WithContext("service", ch.Service))
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", aierr.Raise(aierr.PowChallengeFailed, "proof-of-work solver returned no answer",
			aierr.WithContext("service", ch.Service))
	}
	return answer, nil
}
