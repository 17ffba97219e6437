package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

type turnRecord struct {
	turn            models.LogicalTurn
	cancelRequested bool
	podID           string
	heartbeatAt     time.Time
	completedAt     time.Time
}

// TurnStore is an in-memory implementation of store.TurnStore. The claim
// discipline mirrors the database variant: one active turn per session key,
// pending messages absorbed in arrival order.
type TurnStore struct {
	mu          sync.Mutex
	pending     map[models.SessionKey][]models.RawMessage
	provisional map[models.SessionKey]string
	turns       map[string]*turnRecord
	active      map[models.SessionKey]string
}

// NewTurnStore creates an empty in-memory turn store.
func NewTurnStore() *TurnStore {
	return &TurnStore{
		pending:     make(map[models.SessionKey][]models.RawMessage),
		provisional: make(map[models.SessionKey]string),
		turns:       make(map[string]*turnRecord),
		active:      make(map[models.SessionKey]string),
	}
}

// EnqueueMessage implements store.TurnStore.
func (s *TurnStore) EnqueueMessage(_ context.Context, key models.SessionKey, msg *models.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turnID := ""
	if activeID, ok := s.active[key]; ok {
		if rec := s.turns[activeID]; rec != nil && rec.turn.State == models.TurnStateAccumulating {
			turnID = activeID
		}
	}
	if turnID == "" {
		id, ok := s.provisional[key]
		if !ok {
			id = uuid.NewString()
			s.provisional[key] = id
		}
		turnID = id
	}

	cp := *msg
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.pending[key] = append(s.pending[key], cp)
	return turnID, nil
}

// PendingCount implements store.TurnStore.
func (s *TurnStore) PendingCount(_ context.Context, key models.SessionKey, after time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.pending[key] {
		if after.IsZero() || m.ReceivedAt.After(after) {
			n++
		}
	}
	return n, nil
}

// PendingBatchID implements store.TurnStore.
func (s *TurnStore) PendingBatchID(_ context.Context, key models.SessionKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending[key]) == 0 {
		return "", nil
	}
	return s.provisional[key], nil
}

// ClaimNext implements store.TurnStore.
func (s *TurnStore) ClaimNext(_ context.Context, podID string) (*models.LogicalTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		key   models.SessionKey
		first time.Time
	}
	var candidates []due
	for key, msgs := range s.pending {
		if len(msgs) == 0 {
			continue
		}
		if _, busy := s.active[key]; busy {
			continue
		}
		candidates = append(candidates, due{key: key, first: msgs[0].ReceivedAt})
	}
	if len(candidates) == 0 {
		return nil, store.ErrNoWork
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].first.Before(candidates[j].first)
	})

	key := candidates[0].key
	first := s.pending[key][0]

	turnID := s.provisional[key]
	if turnID == "" {
		turnID = uuid.NewString()
	}
	delete(s.provisional, key)

	rec := &turnRecord{
		turn: models.LogicalTurn{
			ID:         turnID,
			SessionKey: key,
			TenantID:   first.TenantID,
			AgentID:    first.AgentID,
			State:      models.TurnStateAccumulating,
			StartedAt:  time.Now().UTC(),
		},
		podID:       podID,
		heartbeatAt: time.Now().UTC(),
	}
	s.turns[turnID] = rec
	s.active[key] = turnID

	cp := rec.turn
	return &cp, nil
}

// AbsorbPending implements store.TurnStore.
func (s *TurnStore) AbsorbPending(_ context.Context, turnID string, key models.SessionKey, limit int) ([]models.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.turns[turnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	msgs := s.pending[key]
	n := len(msgs)
	if limit > 0 && n > limit {
		n = limit
	}
	absorbed := make([]models.RawMessage, n)
	copy(absorbed, msgs[:n])
	s.pending[key] = msgs[n:]

	rec.turn.Messages = append(rec.turn.Messages, absorbed...)
	return absorbed, nil
}

// MarkRunning implements store.TurnStore.
func (s *TurnStore) MarkRunning(_ context.Context, turn *models.LogicalTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turn.ID]
	if !ok {
		return store.ErrNotFound
	}
	rec.turn.Messages = make([]models.RawMessage, len(turn.Messages))
	copy(rec.turn.Messages, turn.Messages)
	rec.turn.State = models.TurnStateRunning
	rec.heartbeatAt = time.Now().UTC()
	return nil
}

// Heartbeat implements store.TurnStore.
func (s *TurnStore) Heartbeat(_ context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turnID]
	if !ok {
		return store.ErrNotFound
	}
	rec.heartbeatAt = time.Now().UTC()
	return nil
}

// SetCommitReached implements store.TurnStore.
func (s *TurnStore) SetCommitReached(_ context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turnID]
	if !ok {
		return store.ErrNotFound
	}
	rec.turn.CommitReached = true
	return nil
}

// AppendAttemptedTool implements store.TurnStore.
func (s *TurnStore) AppendAttemptedTool(_ context.Context, turnID string, attempt models.AttemptedTool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turnID]
	if !ok {
		return store.ErrNotFound
	}
	rec.turn.AttemptedTools = append(rec.turn.AttemptedTools, attempt)
	return nil
}

// RequestCancel implements store.TurnStore.
func (s *TurnStore) RequestCancel(_ context.Context, key models.SessionKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turnID, ok := s.active[key]
	if !ok {
		return "", false, nil
	}
	rec := s.turns[turnID]
	if rec == nil || rec.turn.State.Terminal() {
		return "", false, nil
	}
	if rec.turn.CommitReached {
		return turnID, false, nil
	}
	rec.cancelRequested = true
	return turnID, true, nil
}

// CancelRequested implements store.TurnStore.
func (s *TurnStore) CancelRequested(_ context.Context, turnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turnID]
	if !ok {
		return false, store.ErrNotFound
	}
	return rec.cancelRequested, nil
}

// Finish implements store.TurnStore.
func (s *TurnStore) Finish(_ context.Context, turn *models.LogicalTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turn.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !turn.State.Terminal() {
		return store.ErrVersionConflict
	}
	rec.turn.State = turn.State
	rec.turn.CommitReached = turn.CommitReached
	rec.turn.SupersededBy = turn.SupersededBy
	rec.turn.ErrorCode = turn.ErrorCode
	rec.turn.ErrorMessage = turn.ErrorMessage
	rec.turn.AttemptedTools = turn.AttemptedTools
	rec.completedAt = time.Now().UTC()
	if s.active[rec.turn.SessionKey] == turn.ID {
		delete(s.active, rec.turn.SessionKey)
	}
	if turn.State == models.TurnStateSuperseded && len(rec.turn.Messages) > 0 {
		// The successor aggregates the superseded turn's messages too.
		key := rec.turn.SessionKey
		s.pending[key] = append(append([]models.RawMessage(nil), rec.turn.Messages...), s.pending[key]...)
	}
	return nil
}

// Get implements store.TurnStore.
func (s *TurnStore) Get(_ context.Context, turnID string) (*models.LogicalTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.turns[turnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := rec.turn
	cp.Messages = append([]models.RawMessage(nil), rec.turn.Messages...)
	cp.AttemptedTools = append([]models.AttemptedTool(nil), rec.turn.AttemptedTools...)
	return &cp, nil
}

// RunningCount implements store.TurnStore.
func (s *TurnStore) RunningCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.turns {
		if rec.turn.State == models.TurnStateRunning {
			n++
		}
	}
	return n, nil
}

// RequeueOrphans implements store.TurnStore.
func (s *TurnStore) RequeueOrphans(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.turns {
		if rec.turn.State != models.TurnStateRunning || !rec.heartbeatAt.Before(cutoff) {
			continue
		}
		s.requeueLocked(id, rec)
		ids = append(ids, id)
	}
	return ids, nil
}

// ReleasePodTurns implements store.TurnStore.
func (s *TurnStore) ReleasePodTurns(_ context.Context, podID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.turns {
		if rec.podID != podID || rec.turn.State.Terminal() {
			continue
		}
		s.requeueLocked(id, rec)
		ids = append(ids, id)
	}
	return ids, nil
}

// requeueLocked fails the turn and releases its messages back to pending so a
// fresh claim picks them up. Caller holds s.mu.
func (s *TurnStore) requeueLocked(id string, rec *turnRecord) {
	key := rec.turn.SessionKey
	if len(rec.turn.Messages) > 0 {
		s.pending[key] = append(append([]models.RawMessage(nil), rec.turn.Messages...), s.pending[key]...)
	}
	rec.turn.State = models.TurnStateFailed
	rec.turn.ErrorCode = "orphaned"
	rec.turn.ErrorMessage = "turn abandoned by worker"
	rec.completedAt = time.Now().UTC()
	if s.active[key] == id {
		delete(s.active, key)
	}
}
