// Package summary maintains a rolling summary of the messages that have
// slid out of a conversation's recent window.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/background"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

// Options tune when and how much is summarized
type Options struct {
	MinMessages     int
	UpdateDelta     int
	WindowSize      int
	PageSize        int
	MaxEligible     int
	MaxSummaryChars int
	MaxPromptChars  int
}

// DefaultOptions returns the production thresholds
func DefaultOptions() Options {
	return Options{
		MinMessages:     10,
		UpdateDelta:     5,
		WindowSize:      6,
		PageSize:        200,
		MaxEligible:     200,
		MaxSummaryChars: 1200,
		MaxPromptChars:  6000,
	}
}

// Summarizer reads summaries synchronously and updates them in the
// background.
type Summarizer struct {
	store     store.SummaryStore
	completer llm.Completer
	coord     *background.Coordinator
	opts      Options
	logger    *zap.Logger
}

// New creates a summarizer. coord may be nil when only reads are needed.
func New(st store.SummaryStore, completer llm.Completer, coord *background.Coordinator, opts Options, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{store: st, completer: completer, coord: coord, opts: opts, logger: logger}
}

// Text returns the stored summary, or "" when there is none
func (s *Summarizer) Text(ctx context.Context, conversationID uuid.UUID) (string, error) {
	sum, err := s.store.GetSummary(ctx, conversationID)
	if errors.Is(err, store.ErrSummaryNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sum.Text), nil
}

// Schedule queues an update for the conversation. At most one update per
// conversation runs at a time; it returns false when one is already queued.
func (s *Summarizer) Schedule(conversationID uuid.UUID) bool {
	if s.coord == nil {
		return false
	}
	return s.coord.Schedule(conversationID.String(), func(ctx context.Context) error {
		err := s.Update(ctx, conversationID)
		if errors.Is(err, store.ErrVersionConflict) {
			s.logger.Info("Summary update discarded after concurrent write",
				zap.String("conversation_id", conversationID.String()))
			return nil
		}
		return err
	})
}

// Update folds messages between the stored cursor and the recent window into
// the summary. It is a no-op below the thresholds.
func (s *Summarizer) Update(ctx context.Context, conversationID uuid.UUID) error {
	total, err := s.store.CountCompletedMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if total < s.opts.MinMessages {
		return nil
	}

	var (
		existing        string
		expectedVersion int
		cursor          store.Cursor
		prevCount       int
	)
	current, err := s.store.GetSummary(ctx, conversationID)
	switch {
	case err == nil:
		existing = strings.TrimSpace(current.Text)
		expectedVersion = current.Version
		cursor = current.Cursor()
		prevCount = current.CoveredMessageCount
	case !errors.Is(err, store.ErrSummaryNotFound):
		return fmt.Errorf("get summary: %w", err)
	}

	recent, err := s.store.ListRecentMessages(ctx, conversationID, s.opts.WindowSize)
	if err != nil {
		return fmt.Errorf("list recent messages: %w", err)
	}
	if len(recent) == 0 {
		return nil
	}
	windowStart := recent[len(recent)-1].Cursor()

	eligible, err := s.eligible(ctx, conversationID, cursor, windowStart)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return nil
	}
	if existing != "" && len(eligible) < s.opts.UpdateDelta {
		return nil
	}

	text, err := s.completer.Complete(ctx, buildPrompt(existing, formatMessages(eligible, s.opts.MaxPromptChars)))
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	text = truncate(strings.TrimSpace(text), s.opts.MaxSummaryChars)
	if text == "" {
		return nil
	}

	last := eligible[len(eligible)-1]
	_, err = s.store.SaveSummary(ctx, store.Summary{
		ConversationID:      conversationID,
		Text:                text,
		CoveredThroughAt:    last.CreatedAt,
		CoveredThroughID:    last.ID,
		CoveredMessageCount: prevCount + len(eligible),
	}, expectedVersion)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	s.logger.Debug("Summary updated",
		zap.String("conversation_id", conversationID.String()),
		zap.Int("new_messages", len(eligible)),
	)
	return nil
}

// eligible pages through messages strictly after cursor and strictly before
// windowStart, stopping at MaxEligible.
func (s *Summarizer) eligible(ctx context.Context, conversationID uuid.UUID, cursor, windowStart store.Cursor) ([]store.Message, error) {
	var out []store.Message
	for {
		page, err := s.store.ListMessagesSince(ctx, conversationID, cursor, s.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, m := range page {
			if !m.Cursor().Before(windowStart) {
				return out, nil
			}
			out = append(out, m)
			cursor = m.Cursor()
			if len(out) >= s.opts.MaxEligible {
				return out, nil
			}
		}
		if len(page) < s.opts.PageSize {
			return out, nil
		}
	}
}

func formatMessages(msgs []store.Message, maxChars int) string {
	var parts []string
	used := 0
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = store.RoleUser
		}
		line := role + ": " + content
		n := utf8.RuneCountInString(line) + 1
		if used+n > maxChars {
			break
		}
		parts = append(parts, line)
		used += n
	}
	return strings.Join(parts, "\n")
}

func buildPrompt(existing, conversation string) string {
	var b strings.Builder
	b.WriteString("You summarize conversations. Keep the background, the user's preferences and constraints, ")
	b.WriteString("key facts and decisions. Skip greetings and repetition. Be concise and use short points.\n\n")
	if existing != "" {
		b.WriteString("Merge the previous summary with the new messages without changing their meaning.\n\n")
		b.WriteString("Previous summary:\n")
		b.WriteString(existing)
		b.WriteString("\n\nNew messages:\n")
		b.WriteString(conversation)
		b.WriteString("\n\nUpdated summary:")
		return b.String()
	}
	b.WriteString("Conversation:\n")
	b.WriteString(conversation)
	b.WriteString("\n\nSummary:")
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimRight(string([]rune(s)[:max]), " \t\r\n")
}
