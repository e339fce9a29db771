package generation

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/sse"
)

type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a session hands to its finalizer. Content is the
// accumulated text for completed sessions and the sentinel text otherwise.
type Result struct {
	SessionID string
	Outcome   Outcome
	Content   string
	Err       error
}

// Sink receives the full accumulated assistant content after every delta.
// Updates are idempotent replacements, not diffs.
type Sink interface {
	Update(content string)
}

type SinkFunc func(content string)

func (f SinkFunc) Update(content string) { f(content) }

const DefaultReadBufferSize = 4096

type SessionOption func(*Session)

func WithSink(sink Sink) SessionOption {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithFinalizer registers the hook run in the finalizing state, before the
// session becomes closed. It runs exactly once for every Run.
func WithFinalizer(f func(Result)) SessionOption {
	return func(s *Session) {
		s.onFinalize = f
	}
}

func WithReadBufferSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.readBufferSize = n
		}
	}
}

// WithTimeout bounds the whole request/stream cycle. Zero means no deadline.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.id = id
		}
	}
}

// Session drives a single request/response generation cycle:
// idle -> requesting -> streaming -> finalizing -> closed.
type Session struct {
	id             string
	streamer       Streamer
	req            Request
	sink           Sink
	onFinalize     func(Result)
	readBufferSize int
	timeout        time.Duration
	logger         zerolog.Logger

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
}

func NewSession(streamer Streamer, req Request, opts ...SessionOption) *Session {
	s := &Session{
		id:             uuid.NewString(),
		streamer:       streamer,
		req:            req,
		readBufferSize: DefaultReadBufferSize,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.req.Stream = true
	s.logger = log.With().Str("component", "generation").Str("session_id", s.id).Logger()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("session state change")
}

// Cancel aborts the request or stream at its next suspension point. It is a
// no-op once the session is finalizing.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateFinalizing {
		return
	}
	s.cancelRequested = true
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// Run executes the session to completion. Failures and cancellation are
// reported through Result, never as an error: the only error is
// ErrSessionStarted on reuse.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Result{}, ErrSessionStarted
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.state = StateRequesting
	preCancelled := s.cancelRequested
	s.mu.Unlock()
	defer cancel()

	s.logger.Debug().Str("model", s.req.Model).Int("history", len(s.req.ConversationHistory)).Msg("starting generation")

	var content string
	var err error
	if preCancelled {
		err = ErrCancelled
	} else {
		content, err = s.stream(runCtx)
	}

	res := s.classify(ctx, content, err)

	s.setState(StateFinalizing)
	if res.Outcome != OutcomeCompleted && s.sink != nil {
		s.sink.Update(res.Content)
	}
	if s.onFinalize != nil {
		s.onFinalize(res)
	}
	s.setState(StateClosed)

	ev := s.logger.Debug()
	if res.Outcome == OutcomeFailed {
		ev = s.logger.Error().Err(res.Err)
	}
	ev.Str("outcome", res.Outcome.String()).Int("content_len", len(res.Content)).Msg("generation finished")
	return res, nil
}

func (s *Session) classify(parent context.Context, content string, err error) Result {
	res := Result{SessionID: s.id}
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		res.Content = content
	case s.wasCancelled() || errors.Is(err, ErrCancelled) ||
		(errors.Is(err, context.Canceled) && parent.Err() != nil):
		res.Outcome = OutcomeCancelled
		res.Content = StoppedContent
		res.Err = ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeFailed
		res.Err = &NetworkError{Op: "stream", Err: errors.Errorf("no completion within %s", s.timeout)}
		if parent.Err() != nil {
			res.Err = &NetworkError{Op: "stream", Err: parent.Err()}
		}
		res.Content = FailureContent(res.Err)
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Content = FailureContent(err)
	}
	return res
}

func (s *Session) stream(ctx context.Context) (string, error) {
	body, err := s.streamer.Stream(ctx, s.req)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	s.setState(StateStreaming)

	dec := sse.NewDecoder(sse.WithLogger(s.logger))
	buf := make([]byte, s.readBufferSize)
	var acc strings.Builder

	apply := func(events []sse.Event) error {
		for _, ev := range events {
			switch ev.Kind {
			case sse.EventContentDelta:
				acc.WriteString(ev.Text)
				if s.sink != nil {
					s.sink.Update(acc.String())
				}
			case sse.EventError:
				return &ServerError{Message: ev.Text}
			case sse.EventDone:
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := apply(dec.Feed(buf[:n])); err != nil {
				return acc.String(), err
			}
			if dec.Done() {
				return acc.String(), nil
			}
		}
		if rerr == io.EOF {
			if err := apply(dec.Flush()); err != nil {
				return acc.String(), err
			}
			return acc.String(), nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return acc.String(), ctx.Err()
			}
			return acc.String(), &NetworkError{Op: "read", Err: rerr}
		}
	}
}
