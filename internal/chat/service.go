// Package chat runs one conversation turn: it loads conversation memory,
// drives the streaming pipeline and persists the answer before the stream
// is closed.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/debug"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/episodic"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

// ErrInvalidRequest is returned for requests missing required fields
var ErrInvalidRequest = errors.New("invalid chat request")

// DefaultHistoryLimit is how many prior messages are sent to the generator
const DefaultHistoryLimit = 12

const persistTimeout = 10 * time.Second

// Runner executes one pipeline turn
type Runner interface {
	Run(ctx context.Context, in streaming.Input, emit streaming.Emitter) streaming.Result
}

// Summaries reads and refreshes conversation summaries
type Summaries interface {
	Text(ctx context.Context, conversationID uuid.UUID) (string, error)
	Schedule(conversationID uuid.UUID) bool
}

// Episodes recalls and indexes past turns
type Episodes interface {
	Recall(ctx context.Context, conversationID uuid.UUID, query string) []store.Episode
	FormatContext(eps []store.Episode) string
	ScheduleIndex(turn episodic.Turn) bool
}

// Request is one user turn
type Request struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Domain    string `json:"kb_prefix,omitempty"`
	Strategy  string `json:"agent_type,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

// Validate checks required fields
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.Join(ErrInvalidRequest, errors.New("user_id is required"))
	case strings.TrimSpace(r.SessionID) == "":
		return errors.Join(ErrInvalidRequest, errors.New("session_id is required"))
	case strings.TrimSpace(r.Message) == "":
		return errors.Join(ErrInvalidRequest, errors.New("message is required"))
	}
	return nil
}

// Reply is the synchronous chat result
type Reply struct {
	RequestID       string                 `json:"request_id"`
	Answer          string                 `json:"answer"`
	Reference       *rag.ReferenceSet      `json:"reference,omitempty"`
	Recommendations []int64                `json:"recommendations,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Debug           bool                   `json:"debug"`
	RouteDecision   *routing.Decision      `json:"route_decision,omitempty"`
	RAGRuns         []streaming.RunSummary `json:"rag_runs,omitempty"`
}

// Options tune the service
type Options struct {
	HistoryLimit int
}

// Deps are the service collaborators. Summaries, Episodes, Events and
// Debug are optional.
type Deps struct {
	Conversations store.ConversationStore
	Pipeline      Runner
	Summaries     Summaries
	Episodes      Episodes
	Events        streaming.EventLog
	Debug         debug.Store
}

// Service orchestrates conversation turns
type Service struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewService creates a chat service
func NewService(deps Deps, opts Options, logger *zap.Logger) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, opts: opts, logger: logger}
}

// turn is the per-request state shared by the stream wrapper
type turn struct {
	req            Request
	conversationID uuid.UUID
	userMessageID  uuid.UUID
	collector      *debug.Collector
	tokens         strings.Builder
	heldDone       bool
}

// Stream runs req, forwarding events to emit. The done event is withheld
// until the assistant message is stored and background jobs are scheduled.
// Exactly one done reaches emit on every path.
func (s *Service) Stream(ctx context.Context, req Request, emit streaming.Emitter) streaming.Result {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	t := &turn{req: req}
	if req.Debug && s.deps.Debug != nil {
		t.collector = debug.NewCollector(req.RequestID, req.UserID, req.SessionID)
	}
	forward := s.wrap(ctx, t, emit)

	in, err := s.prepare(ctx, t)
	if err != nil {
		s.logger.Error("Chat turn setup failed",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		res := streaming.Result{Error: "conversation unavailable: " + err.Error()}
		forward(streaming.Start(req.RequestID))
		forward(streaming.ErrorEvent(res.Error))
		forward(streaming.Done())
		s.finish(ctx, t, res, emit)
		return res
	}

	res := s.deps.Pipeline.Run(ctx, in, forward)
	s.finish(ctx, t, res, emit)
	return res
}

// Chat runs req without streaming and returns the collected answer
func (s *Service) Chat(ctx context.Context, req Request) Reply {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	res := s.Stream(ctx, req, func(streaming.Event) {})

	reply := Reply{
		RequestID: req.RequestID,
		Answer:    strings.TrimSpace(res.Answer),
		Error:     res.Error,
		Debug:     req.Debug,
	}
	if agg := res.Aggregated; agg != nil {
		if !agg.Reference.Empty() {
			reply.Reference = agg.Reference
		}
		reply.Recommendations = agg.Recommendations
	}
	if req.Debug {
		d := res.Decision
		reply.RouteDecision = &d
		if len(res.Runs) > 0 {
			reply.RAGRuns = streaming.SummarizeRuns(res.Runs)
		}
	}
	return reply
}

// ClearHistory deletes every message of the user's session
func (s *Service) ClearHistory(ctx context.Context, userID, sessionID string) (int64, error) {
	id, err := s.deps.Conversations.GetOrCreateConversation(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	return s.deps.Conversations.ClearMessages(ctx, id)
}

// prepare resolves the conversation, stores the user message and assembles
// history and background
func (s *Service) prepare(ctx context.Context, t *turn) (streaming.Input, error) {
	req := t.req
	convID, err := s.deps.Conversations.GetOrCreateConversation(ctx, req.UserID, req.SessionID)
	if err != nil {
		return streaming.Input{}, err
	}
	t.conversationID = convID

	prior, err := s.deps.Conversations.ListMessages(ctx, convID, store.ListOptions{Limit: s.opts.HistoryLimit, Desc: true})
	if err != nil {
		s.logger.Warn("Conversation history unavailable", zap.String("conversation_id", convID.String()), zap.Error(err))
		prior = nil
	}

	userMsg, err := s.deps.Conversations.AppendMessage(ctx, store.Message{
		ConversationID: convID,
		Role:           store.RoleUser,
		Content:        req.Message,
		Completed:      true,
	})
	if err != nil {
		return streaming.Input{}, err
	}
	t.userMessageID = userMsg.ID

	history, seen := historyFrom(prior)
	return streaming.Input{
		RequestID:       req.RequestID,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Message:         req.Message,
		RequestedDomain: req.Domain,
		Strategy:        req.Strategy,
		Debug:           req.Debug,
		History:         history,
		Background:      s.background(ctx, convID, req.Message, seen),
	}, nil
}

// historyFrom turns newest-first messages into chronological history,
// skipping unfinished answers
func historyFrom(desc []store.Message) ([]llm.Message, map[uuid.UUID]struct{}) {
	seen := make(map[uuid.UUID]struct{}, len(desc))
	out := make([]llm.Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		m := desc[i]
		if !m.Completed || strings.TrimSpace(m.Content) == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out, seen
}

// background joins the stored summary and recalled episodes. Episodes
// already present in the history window are skipped.
func (s *Service) background(ctx context.Context, convID uuid.UUID, query string, inHistory map[uuid.UUID]struct{}) string {
	var parts []string
	if s.deps.Summaries != nil {
		text, err := s.deps.Summaries.Text(ctx, convID)
		if err != nil {
			s.logger.Warn("Conversation summary unavailable", zap.String("conversation_id", convID.String()), zap.Error(err))
		} else if text != "" {
			parts = append(parts, "Summary of earlier conversation:\n"+text)
		}
	}
	if s.deps.Episodes != nil {
		var eps []store.Episode
		for _, ep := range s.deps.Episodes.Recall(ctx, convID, query) {
			if _, ok := inHistory[ep.AssistantMessageID]; ok {
				continue
			}
			eps = append(eps, ep)
		}
		if text := s.deps.Episodes.FormatContext(eps); text != "" {
			parts = append(parts, "Related earlier exchanges:\n"+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// wrap records every event and forwards all but done
func (s *Service) wrap(ctx context.Context, t *turn, emit streaming.Emitter) streaming.Emitter {
	logCtx := context.WithoutCancel(ctx)
	return func(ev streaming.Event) {
		if s.deps.Events != nil {
			if _, err := s.deps.Events.Append(logCtx, t.req.RequestID, ev); err != nil {
				s.logger.Debug("Event log append failed", zap.String("request_id", t.req.RequestID), zap.Error(err))
			}
		}
		if t.collector != nil {
			t.collector.Observe(ev)
		}
		switch ev.Status {
		case streaming.StatusDone:
			t.heldDone = true
			return
		case streaming.StatusToken:
			t.tokens.WriteString(ev.TokenText())
		}
		if t.heldDone {
			return
		}
		emit(ev)
	}
}

// finish persists the answer, schedules background work, saves the debug
// record and finally forwards done
func (s *Service) finish(ctx context.Context, t *turn, res streaming.Result, emit streaming.Emitter) {
	defer emit(streaming.Done())

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	answer := strings.TrimSpace(t.tokens.String())
	if answer != "" && t.conversationID != uuid.Nil {
		completed := !res.Failed()
		msg := store.Message{
			ConversationID: t.conversationID,
			Role:           store.RoleAssistant,
			Content:        answer,
			Completed:      completed,
		}
		if t.req.Debug {
			msg.Debug = store.JSON{"request_id": t.req.RequestID, "partial": !completed, "route_decision": res.Decision}
			if res.Aggregated != nil && !res.Aggregated.Reference.Empty() {
				msg.Citations = store.JSON{"reference": res.Aggregated.Reference}
			}
		}
		saved, err := s.deps.Conversations.AppendMessage(persistCtx, msg)
		switch {
		case err != nil:
			s.logger.Error("Failed to persist assistant message",
				zap.String("request_id", t.req.RequestID),
				zap.String("conversation_id", t.conversationID.String()),
				zap.Error(err),
			)
		case completed:
			s.schedule(t, saved.ID, answer)
		}
	}

	if t.collector != nil {
		t.collector.SetTimings(res.Timings)
		if err := s.deps.Debug.Save(persistCtx, t.collector.Snapshot()); err != nil {
			s.logger.Warn("Failed to save debug record", zap.String("request_id", t.req.RequestID), zap.Error(err))
		}
	}
}

func (s *Service) schedule(t *turn, assistantID uuid.UUID, answer string) {
	if s.deps.Summaries != nil {
		s.deps.Summaries.Schedule(t.conversationID)
	}
	if s.deps.Episodes != nil {
		s.deps.Episodes.ScheduleIndex(episodic.Turn{
			ConversationID:     t.conversationID,
			UserMessageID:      t.userMessageID,
			AssistantMessageID: assistantID,
			UserMessage:        t.req.Message,
			AssistantMessage:   answer,
		})
	}
}
