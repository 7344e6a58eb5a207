// Package history is the Redis-backed conversation store: a sliding window
// of messages per chat id plus an AI-maintained summary of compacted rounds.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/llm"
)

// Summary is the compacted prefix of a conversation.
type Summary struct {
	Text             string    `json:"text"`
	RoundsSummarized int       `json:"rounds_summarized"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Context is the fully reconstructed history for one turn.
type Context struct {
	Summary     *Summary      `json:"summary,omitempty"`
	Messages    []llm.Message `json:"messages"`
	TotalRounds int           `json:"total_rounds"`
}

// SummarizeFunc produces a new summary from the previous one and the
// messages being dropped.
type SummarizeFunc func(ctx context.Context, previousSummary string, dropped []llm.Message) (string, error)

// Options bound the store. All counts are in rounds (user + assistant pair).
type Options struct {
	TTL                time.Duration
	MaxHistoryLength   int
	SummarizeThreshold int
	KeepRecent         int
}

func (o *Options) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.MaxHistoryLength <= 0 {
		o.MaxHistoryLength = 20
	}
	if o.SummarizeThreshold <= 0 {
		o.SummarizeThreshold = 8
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 4
	}
}

// Store persists conversations under chat:history:{id} (a Redis list) and
// chat:summary:{id}, both refreshed to the shared TTL on every write.
// Writes to one chat id are serialized through a per-key mutex.
type Store struct {
	rdb    redis.Cmdable
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(rdb redis.Cmdable, opts Options, logger *zap.Logger) *Store {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, opts: opts, logger: logger, locks: map[string]*sync.Mutex{}}
}

func historyKey(chatID string) string { return "chat:history:" + chatID }
func summaryKey(chatID string) string { return "chat:summary:" + chatID }

// lock returns the mutex for one chat id, creating it on first use.
func (s *Store) lock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[chatID] = m
	}
	return m
}

// GetContext reconstructs the conversation: summary (if any), retained
// messages, and the total round count including compacted rounds.
func (s *Store) GetContext(ctx context.Context, chatID string) (*Context, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(chatID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load history %s: %w", chatID, err)
	}
	msgs := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var m llm.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("dropping unreadable history entry",
				zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}

	out := &Context{Messages: msgs, TotalRounds: len(msgs) / 2}
	sumRaw, err := s.rdb.Get(ctx, summaryKey(chatID)).Result()
	if err == nil {
		var sum Summary
		if err := json.Unmarshal([]byte(sumRaw), &sum); err == nil {
			out.Summary = &sum
			out.TotalRounds += sum.RoundsSummarized
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("load summary %s: %w", chatID, err)
	}
	return out, nil
}

// Append pushes messages onto the history, trims to the hard cap of
// 2*MaxHistoryLength messages, and refreshes the TTL on both keys.
func (s *Store) Append(ctx context.Context, chatID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	key := historyKey(chatID)
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		values = append(values, data)
	}
	cap64 := int64(2 * s.opts.MaxHistoryLength)

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -cap64, -1)
	pipe.Expire(ctx, key, s.opts.TTL)
	pipe.Expire(ctx, summaryKey(chatID), s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history %s: %w", chatID, err)
	}
	return nil
}

// NeedsSummarization reports whether the retained history has reached the
// compaction trigger (2*SummarizeThreshold messages).
func (s *Store) NeedsSummarization(ctx context.Context, chatID string) (bool, error) {
	n, err := s.rdb.LLen(ctx, historyKey(chatID)).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("history length %s: %w", chatID, err)
	}
	return n >= int64(2*s.opts.SummarizeThreshold), nil
}

// Compact summarizes everything but the last 2*KeepRecent messages and
// truncates the history. After compaction the invariant
// rounds_summarized + len(messages)/2 == total_rounds holds.
func (s *Store) Compact(ctx context.Context, chatID string, summarize SummarizeFunc) error {
	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	cctx, err := s.GetContext(ctx, chatID)
	if err != nil {
		return err
	}
	keep := 2 * s.opts.KeepRecent
	if len(cctx.Messages) <= keep {
		return nil
	}
	dropped := cctx.Messages[:len(cctx.Messages)-keep]
	retained := cctx.Messages[len(cctx.Messages)-keep:]

	prevText := ""
	prev := Summary{CreatedAt: time.Now()}
	if cctx.Summary != nil {
		prev = *cctx.Summary
		prevText = prev.Text
	}

	text, err := summarize(ctx, prevText, dropped)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", chatID, err)
	}

	prev.Text = text
	prev.RoundsSummarized += len(dropped) / 2
	prev.UpdatedAt = time.Now()
	sumData, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	values := make([]interface{}, 0, len(retained))
	for _, m := range retained {
		data, _ := json.Marshal(m)
		values = append(values, data)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, historyKey(chatID))
	pipe.RPush(ctx, historyKey(chatID), values...)
	pipe.Expire(ctx, historyKey(chatID), s.opts.TTL)
	pipe.Set(ctx, summaryKey(chatID), sumData, s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write compacted history %s: %w", chatID, err)
	}
	s.logger.Info("history compacted",
		zap.String("chat_id", chatID),
		zap.Int("dropped_rounds", len(dropped)/2),
		zap.Int("retained_messages", len(retained)))
	return nil
}

// Clear removes both slots for a chat id.
func (s *Store) Clear(ctx context.Context, chatID string) error {
	if err := s.rdb.Del(ctx, historyKey(chatID), summaryKey(chatID)).Err(); err != nil {
		return fmt.Errorf("clear history %s: %w", chatID, err)
	}
	return nil
}
