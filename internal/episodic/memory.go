// Package episodic indexes finished chat turns and recalls similar ones from
// the same conversation.
package episodic

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/background"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

// Recall modes
const (
	RecallAuto   = "auto"
	RecallAlways = "always"
	RecallNever  = "never"
)

// shortQueryRunes is the length at or below which auto mode always recalls
const shortQueryRunes = 12

var followUpHint = regexp.MustCompile(`(之前|刚才|上次|前面|前边|你说过|你提到|记得|回到|继续|那个|这个|这些|他们|她们|它们|他|她|它)` +
	`|(?i)\b(earlier|before|previous(ly)?|you said|you mentioned|remember|go back|continue|that one|those|it|they|them|he|she)\b`)

// Options tune recall
type Options struct {
	Mode            string
	TopK            int
	MinScore        float64
	MaxContextChars int
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{Mode: RecallAuto, TopK: 3, MinScore: 0.25, MaxContextChars: 1200}
}

// Memory recalls and indexes episodes
type Memory struct {
	episodes      store.EpisodeStore
	conversations store.ConversationStore
	embedder      embeddings.Embedder
	coord         *background.Coordinator
	opts          Options
	logger        *zap.Logger
}

// New creates an episodic memory. conversations is used to fill in message
// text when the episode store keeps ids only; it may be nil.
func New(episodes store.EpisodeStore, conversations store.ConversationStore, embedder embeddings.Embedder,
	coord *background.Coordinator, opts Options, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = RecallAuto
	}
	opts.Mode = strings.ToLower(strings.TrimSpace(opts.Mode))
	return &Memory{
		episodes:      episodes,
		conversations: conversations,
		embedder:      embedder,
		coord:         coord,
		opts:          opts,
		logger:        logger,
	}
}

// ShouldRecall applies the recall mode to query
func ShouldRecall(mode, query string) bool {
	switch mode {
	case RecallNever:
		return false
	case RecallAlways:
		return true
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return false
	}
	return followUpHint.MatchString(q) || utf8.RuneCountInString(q) <= shortQueryRunes
}

// Recall returns up to TopK episodes similar to query. Failures are logged
// and yield no episodes.
func (m *Memory) Recall(ctx context.Context, conversationID uuid.UUID, query string) []store.Episode {
	if !ShouldRecall(m.opts.Mode, query) {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn("Episodic recall embed failed", zap.Error(err))
		return nil
	}

	k := m.opts.TopK
	rows, err := m.episodes.SearchEpisodes(ctx, conversationID, normalize(vec), 2*k)
	if err != nil {
		m.logger.Warn("Episodic recall search failed", zap.Error(err))
		return nil
	}

	picked := make([]store.Episode, 0, len(rows))
	for _, ep := range rows {
		if ep.Score >= m.opts.MinScore {
			picked = append(picked, ep)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Score > picked[j].Score })
	if len(picked) > k {
		picked = picked[:k]
	}
	m.hydrate(ctx, conversationID, picked)
	return picked
}

func (m *Memory) hydrate(ctx context.Context, conversationID uuid.UUID, eps []store.Episode) {
	if m.conversations == nil {
		return
	}
	var ids []uuid.UUID
	seen := map[uuid.UUID]struct{}{}
	add := func(id uuid.UUID) {
		if id == uuid.Nil {
			return
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, ep := range eps {
		if strings.TrimSpace(ep.UserMessage) == "" || strings.TrimSpace(ep.AssistantMessage) == "" {
			add(ep.UserMessageID)
			add(ep.AssistantMessageID)
		}
	}
	if len(ids) == 0 {
		return
	}

	msgs, err := m.conversations.GetMessagesByIDs(ctx, conversationID, ids)
	if err != nil {
		m.logger.Warn("Episodic recall hydrate failed", zap.Error(err))
		return
	}
	byID := make(map[uuid.UUID]string, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg.Content
	}
	for i := range eps {
		if strings.TrimSpace(eps[i].UserMessage) == "" {
			eps[i].UserMessage = byID[eps[i].UserMessageID]
		}
		if strings.TrimSpace(eps[i].AssistantMessage) == "" {
			eps[i].AssistantMessage = byID[eps[i].AssistantMessageID]
		}
	}
}

// FormatContext renders episodes as "- user → assistant" lines within
// MaxContextChars. It returns "" when nothing fits.
func (m *Memory) FormatContext(eps []store.Episode) string {
	var lines []string
	used := 0
	for _, ep := range eps {
		u := strings.TrimSpace(ep.UserMessage)
		a := strings.TrimSpace(ep.AssistantMessage)
		if u == "" && a == "" {
			continue
		}
		line := strings.TrimSpace("- " + u + " → " + a)
		n := utf8.RuneCountInString(line) + 1
		if used+n > m.opts.MaxContextChars {
			break
		}
		lines = append(lines, line)
		used += n
	}
	return strings.Join(lines, "\n")
}

// Turn identifies one finished exchange
type Turn struct {
	ConversationID     uuid.UUID
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID
	UserMessage        string
	AssistantMessage   string
}

// ScheduleIndex queues indexing of turn, keyed by the assistant message id
func (m *Memory) ScheduleIndex(turn Turn) bool {
	if m.coord == nil {
		return false
	}
	return m.coord.Schedule(turn.AssistantMessageID.String(), func(ctx context.Context) error {
		return m.Index(ctx, turn)
	})
}

// Index embeds turn and upserts it
func (m *Memory) Index(ctx context.Context, turn Turn) error {
	text := strings.TrimSpace(strings.TrimSpace(turn.UserMessage) + "\n" + strings.TrimSpace(turn.AssistantMessage))
	if text == "" {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	return m.episodes.UpsertEpisode(ctx, store.Episode{
		ConversationID:     turn.ConversationID,
		UserMessageID:      turn.UserMessageID,
		AssistantMessageID: turn.AssistantMessageID,
		UserMessage:        turn.UserMessage,
		AssistantMessage:   turn.AssistantMessage,
		Embedding:          normalize(vec),
	})
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}
