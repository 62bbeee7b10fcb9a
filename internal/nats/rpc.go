package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/pow"
)

const (
	// TokenSubject is answered by the process holding browser sessions.
	TokenSubject = "bridge.auth.token"
	// SolveSubject is answered by the proof-of-work solver.
	SolveSubject = "bridge.pow.solve"
)

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// reply is the response body of both services.
type reply struct {
	Token  string `json:"token,omitempty"`
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

func (r reply) err() error {
	if r.Error == "" && r.Kind == "" {
		return nil
	}
	kind := aierr.Kind(strings.ToUpper(r.Kind))
	if !kind.Valid() {
		kind = aierr.UnknownError
	}
	msg := r.Error
	if msg == "" {
		msg = string(kind)
	}
	return aierr.Raise(kind, msg)
}

func request(ctx context.Context, nc Requester, subject string, body any, onNoResponders aierr.Kind) (reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return reply{}, aierr.Raise(aierr.InvalidRequest, "encoding "+subject+" request", aierr.WithCause(err))
	}
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return reply{}, aierr.Raise(onNoResponders, "nobody is serving "+subject, aierr.WithCause(err))
		}
		return reply{}, aierr.Raise(aierr.NetworkError, "requesting "+subject, aierr.WithCause(err))
	}
	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return reply{}, aierr.Raise(aierr.ResponseParsingError, "decoding "+subject+" reply", aierr.WithCause(err))
	}
	return r, r.err()
}

// Broker asks a remote token broker for session credentials over request/reply.
type Broker struct {
	nc Requester
}

// NewBroker creates a broker client on nc.
func NewBroker(nc Requester) *Broker {
	return &Broker{nc: nc}
}

var _ auth.Broker = (*Broker)(nil)

func (b *Broker) GetToken(ctx context.Context, req auth.TokenRequest) (string, error) {
	r, err := request(ctx, b.nc, TokenSubject, req, aierr.Unauthorized)
	if err != nil {
		return "", err
	}
	return r.Token, nil
}

// Solver forwards proof-of-work challenges to a remote solver.
type Solver struct {
	nc Requester
}

// NewSolver creates a solver client on nc.
func NewSolver(nc Requester) *Solver {
	return &Solver{nc: nc}
}

var _ pow.Solver = (*Solver)(nil)

func (s *Solver) Solve(ctx context.Context, ch pow.Challenge) (string, error) {
	r, err := request(ctx, s.nc, SolveSubject, ch, aierr.PowChallengeFailed)
	if err != nil {
		return "", err
	}
	return r.Answer, nil
}
