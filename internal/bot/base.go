package bot

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/auth"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/internal/thread"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
	"github.com/capitalize-ai/conversation-bridge/pkg/metrics"
	"github.com/capitalize-ai/conversation-bridge/pkg/tracing"
)

const maxDefaultTitle = 50

// Base carries the thread lifecycle and the exchange runner. Backends embed it and
// supply InitNewThread and the protocol body of DoSendMessage.
type Base struct {
	name      string
	images    bool
	threads   *thread.Manager
	logger    *logger.Logger
	publisher Publisher
	state     atomic.Value
}

func newBase(ctx context.Context, name string, images bool, deps Deps, valid thread.Validator) (*Base, error) {
	log := deps.Logger.Named("bot").With(zap.String("model", name))
	b := &Base{
		name:      name,
		images:    images,
		threads:   thread.NewManager(deps.Threads, name, valid, deps.Logger, thread.WithClock(deps.Clock)),
		logger:    log,
		publisher: deps.Publisher,
	}
	b.state.Store(StateIdle)

	removed, err := b.threads.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		log.Info("validation pass purged threads", zap.Int("removed", removed))
	}
	return b, nil
}

func (b *Base) Name() string { return b.name }

func (b *Base) SupportsImageInput() bool { return b.images }

func (b *Base) State() State { return b.state.Load().(State) }

func (b *Base) LoadThread(ctx context.Context, id string) error { return b.threads.Load(ctx, id) }

func (b *Base) SaveThread(ctx context.Context) error { return b.threads.Save(ctx) }

func (b *Base) AllThreads(ctx context.Context) ([]model.ChatThread, error) { return b.threads.All(ctx) }

func (b *Base) DeleteThread(ctx context.Context, id string) error { return b.threads.Delete(ctx, id) }

// CurrentThread returns a copy of the current thread, or nil.
func (b *Base) CurrentThread() *model.ChatThread {
	if cur := b.threads.Current(); cur != nil {
		return cur.Clone()
	}
	return nil
}

func (b *Base) setState(s State, span *tracing.ExchangeSpan) {
	b.state.Store(s)
	if span != nil {
		span.SetState(string(s))
	}
	b.logger.Debug("state", zap.String("state", string(s)))
}

// exchange drives one send through the state machine: ensure a valid thread (healing it
// via initThread), run the protocol body, then append both messages, persist and emit
// DONE. Failures go through the taxonomy and are emitted as exactly one ERROR event.
// Cancellation is silent.
func (b *Base) exchange(ctx context.Context, p SendParams, initThread func(context.Context) error, run func(context.Context, *Exchange) error) error {
	start := time.Now()
	ctx, span := tracing.StartExchange(ctx, b.name, "")
	defer span.End()

	em := newEmitter(ctx, b, p.OnEvent)
	b.setState(StateIdle, span)

	outcome := "done"
	defer func() {
		metrics.RecordExchange(b.name, outcome, time.Since(start).Seconds())
	}()

	fail := func(err error) error {
		if ctx.Err() != nil {
			outcome = "canceled"
			b.setState(StateIdle, span)
			b.logger.Info("exchange canceled")
			return nil
		}
		if !em.started {
			em.update(model.AnswerUpdate{})
		}
		outcome = "error"
		b.setState(StateErrored, span)
		reported := aierr.Report(err, func(e *aierr.Error) {
			metrics.ErrorsTotal.WithLabelValues(b.name, string(e.Kind)).Inc()
			span.SetError(e, string(e.Kind))
			b.logger.Warn("exchange failed", zap.String("kind", string(e.Kind)), zap.Error(e))
			em.terminal(model.ErrorEvent(e))
		})
		return reported
	}

	if len(p.Images) > 0 && !b.images {
		return fail(aierr.Raise(aierr.FeatureNotSupported, b.name+" does not accept images"))
	}

	if _, err := b.threads.Validate(ctx); err != nil {
		return fail(err)
	}
	if err := b.threads.Ensure(ctx, initThread); err != nil {
		return fail(err)
	}
	th := b.threads.Current()
	em.threadID = th.ID
	span.SetThread(th.ID)
	b.setState(StateThreadEnsured, span)

	x := &Exchange{
		Prompt:  p.Prompt,
		Images:  p.Images,
		Mode:    p.Mode,
		Log:     b.logger.WithExchange(b.name, th.ID),
		base:    b,
		span:    span,
		em:      em,
		history: append([]model.ChatMessage(nil), th.Messages...),
	}
	userMsg := model.NewMessage(model.RoleUser, p.Prompt, b.threads.Now())
	em.update(model.AnswerUpdate{})

	if err := run(ctx, x); err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	b.setState(StateFinalizing, span)
	answer := em.last
	reply := model.NewMessage(model.RoleAssistant, answer.Text, b.threads.Now())
	reply.ReasoningContent = answer.ReasoningContent
	if len(x.metadata) > 0 {
		reply.Metadata = x.metadata
	}

	th = b.threads.Current()
	if th == nil {
		return fail(aierr.Raise(aierr.InvalidThreadID, "current thread disappeared during the exchange"))
	}
	th.Append(b.threads.Now(), userMsg, reply)
	switch {
	case x.title != "":
		th.Title = x.title
	case th.Title == "":
		th.Title = defaultTitle(p.Prompt)
	}
	if err := b.threads.Save(ctx); err != nil {
		return fail(err)
	}

	span.SetAnswerLength(len(answer.Text))
	em.terminal(model.Done(th.ID))
	b.setState(StateIdle, span)
	return nil
}

func defaultTitle(prompt string) string {
	t := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(t) <= maxDefaultTitle {
		return t
	}
	return string([]rune(t)[:maxDefaultTitle]) + "…"
}

// Exchange is the handle a backend body uses to report progress.
type Exchange struct {
	Prompt string
	Images []model.Image
	Mode   string
	Log    *logger.Logger

	base     *Base
	span     *tracing.ExchangeSpan
	em       *emitter
	history  []model.ChatMessage
	title    string
	metadata map[string]any
}

// History returns the thread messages that preceded this exchange.
func (x *Exchange) History() []model.ChatMessage { return x.history }

// Authorize runs fn with a session token, refreshing and retrying once on UNAUTHORIZED.
// A rejection that arrives after the answer started streaming is not retried.
func (x *Exchange) Authorize(ctx context.Context, s *auth.Session, fn func(ctx context.Context, token string) error) error {
	return s.Do(ctx, func(ctx context.Context, token string) error {
		x.base.setState(StateAuthEnsured, x.span)
		err := fn(ctx, token)
		if err != nil && x.em.last != (model.AnswerUpdate{}) {
			return auth.Committed(err)
		}
		return err
	})
}

// Sent marks the protocol request as issued.
func (x *Exchange) Sent() { x.base.setState(StateRequestSent, x.span) }

// Update reports the cumulative answer so far.
func (x *Exchange) Update(a model.AnswerUpdate) {
	if x.em.update(a) && x.base.State() != StateStreaming {
		x.base.setState(StateStreaming, x.span)
	}
}

// Answer returns the last reported answer.
func (x *Exchange) Answer() model.AnswerUpdate { return x.em.last }

// Title reports a backend-generated thread title.
func (x *Exchange) Title(title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	x.title = title
	x.em.emit(model.TitleUpdate(title, x.em.threadID))
}

// Suggest reports follow-up suggestions and attaches them to the assistant reply.
func (x *Exchange) Suggest(suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	x.Attach("suggestedResponses", suggestions)
	x.em.emit(model.SuggestedResponses(suggestions))
}

// Attach sets provider metadata on the assistant reply.
func (x *Exchange) Attach(key string, v any) {
	if x.metadata == nil {
		x.metadata = make(map[string]any)
	}
	x.metadata[key] = v
}

// emitter forwards events to the caller, dropping everything after cancellation or
// after the terminal event, and keeps UPDATE_ANSWER monotonic.
type emitter struct {
	ctx      context.Context
	base     *Base
	handler  model.EventHandler
	threadID string
	last     model.AnswerUpdate
	started  bool
	closed   bool
}

func newEmitter(ctx context.Context, b *Base, h model.EventHandler) *emitter {
	return &emitter{ctx: ctx, base: b, handler: h}
}

// update emits a if it extends the previous answer. It reports whether anything was sent.
func (e *emitter) update(a model.AnswerUpdate) bool {
	if e.started {
		if !strings.HasPrefix(a.Text, e.last.Text) {
			e.base.logger.Debug("dropping non-monotonic answer update",
				zap.Int("previous", len(e.last.Text)), zap.Int("next", len(a.Text)))
			return false
		}
		if a == e.last {
			return false
		}
	}
	if !e.emit(model.UpdateAnswer(a)) {
		return false
	}
	e.started = true
	e.last = a
	return true
}

func (e *emitter) terminal(ev model.StatusEvent) {
	if e.emit(ev) {
		e.closed = true
	}
}

func (e *emitter) emit(ev model.StatusEvent) bool {
	if e.closed || e.ctx.Err() != nil {
		return false
	}
	metrics.EventsTotal.WithLabelValues(e.base.name, string(ev.Type)).Inc()
	if e.base.publisher != nil {
		if err := e.base.publisher.Publish(e.ctx, e.base.name, e.threadID, ev); err != nil {
			e.base.logger.Warn("publishing status event failed", zap.Error(err))
		}
	}
	if e.handler != nil {
		e.handler(ev)
	}
	return true
}
