package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultHorizon is how long a saved draft stays resumable. Beyond it the
// snapshot is discarded on read: the test may have been edited since, and
// unbounded drafts would otherwise pile up in storage.
const DefaultHorizon = 24 * time.Hour

type Clock func() time.Time

// Snapshots mirrors the in-memory answer map into a KV, one snapshot per test.
// It stores option ids only; answer text is recomputed from the live question
// set on restore. The snapshot is a best-effort fallback, never the source of
// truth, so write failures are logged and swallowed.
type Snapshots struct {
	kv      KV
	horizon time.Duration
	now     Clock
	log     *zap.Logger
}

func NewSnapshots(kv KV, horizon time.Duration, now Clock, log *zap.Logger) *Snapshots {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Snapshots{kv: kv, horizon: horizon, now: now, log: log}
}

func answersKey(testID string) string   { return fmt.Sprintf("cbt_answers_%s", testID) }
func timestampKey(testID string) string { return fmt.Sprintf("cbt_timestamp_%s", testID) }

// Save overwrites the snapshot for testID along with its saved-at timestamp.
func (s *Snapshots) Save(ctx context.Context, testID string, answers map[string]string) {
	buf, err := json.Marshal(answers)
	if err != nil {
		s.log.Warn("snapshot marshal failed", zap.String("test_id", testID), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, answersKey(testID), string(buf)); err != nil {
		s.log.Warn("snapshot write failed", zap.String("test_id", testID), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, timestampKey(testID), s.now().UTC().Format(time.RFC3339)); err != nil {
		s.log.Warn("snapshot timestamp write failed", zap.String("test_id", testID), zap.Error(err))
	}
}

// Load returns the saved answer map for testID, or ok=false when there is no
// snapshot or the snapshot has crossed the staleness horizon. A stale snapshot
// is deleted as a side effect so later loads miss immediately.
func (s *Snapshots) Load(ctx context.Context, testID string) (map[string]string, bool) {
	raw, ok, err := s.kv.Get(ctx, answersKey(testID))
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("snapshot read failed", zap.String("test_id", testID), zap.Error(err))
		}
		return nil, false
	}

	ts, ok, err := s.kv.Get(ctx, timestampKey(testID))
	if err != nil || !ok {
		// No timestamp means we cannot prove freshness. Treat as stale.
		s.Clear(ctx, testID)
		return nil, false
	}
	savedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil || s.now().Sub(savedAt) >= s.horizon {
		s.Clear(ctx, testID)
		return nil, false
	}

	var answers map[string]string
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		s.Clear(ctx, testID)
		return nil, false
	}
	return answers, true
}

// Clear deletes both snapshot keys. Idempotent.
func (s *Snapshots) Clear(ctx context.Context, testID string) {
	if err := s.kv.Delete(ctx, answersKey(testID)); err != nil {
		s.log.Warn("snapshot delete failed", zap.String("test_id", testID), zap.Error(err))
	}
	if err := s.kv.Delete(ctx, timestampKey(testID)); err != nil {
		s.log.Warn("snapshot timestamp delete failed", zap.String("test_id", testID), zap.Error(err))
	}
}
