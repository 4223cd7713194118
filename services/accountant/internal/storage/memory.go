package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

// MemoryStore keeps the ledger in process. Transactions are serialized by one
// lock and stage their writes until commit, so a failing fn leaves no trace.
type MemoryStore struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	orders    map[string]model.Order
	actions   []model.FinancialAction
	actionIdx map[uuid.UUID]int
	temps     []model.TempEvent
	processed map[string]time.Time
	configs   map[string]model.PairConfig
	claimed   map[uuid.UUID]struct{}
	nextSeq   int64
	nextTemp  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]model.Order),
		actionIdx: make(map[uuid.UUID]int),
		processed: make(map[string]time.Time),
		configs:   make(map[string]model.PairConfig),
		claimed:   make(map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InTx(ctx context.Context, _ []string, fn func(Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:     s,
		orders:    make(map[string]model.Order),
		deleted:   make(map[int64]bool),
		processed: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ouid, o := range tx.orders {
		s.orders[ouid] = o
	}
	for _, a := range tx.actions {
		s.actionIdx[a.ID] = len(s.actions)
		s.actions = append(s.actions, a)
	}
	if len(tx.deleted) > 0 {
		kept := s.temps[:0]
		for _, t := range s.temps {
			if !tx.deleted[t.ID] {
				kept = append(kept, t)
			}
		}
		s.temps = kept
	}
	s.temps = append(s.temps, tx.temps...)
	now := time.Now().UTC()
	for key := range tx.processed {
		s.processed[key] = now
	}
}

func (s *MemoryStore) GetOrder(_ context.Context, ouid string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[ouid]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (s *MemoryStore) FindLastAction(_ context.Context, uuid, ouid string) (*model.FinancialAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastAction(s.actions, uuid, ouid), nil
}

func (s *MemoryStore) HasTempEvents(_ context.Context, ouid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.temps {
		if t.Ouid == ouid {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) LoadTempEvents(_ context.Context, ouid string) ([]model.TempEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tempsFor(ouid, nil), nil
}

func (s *MemoryStore) FetchTempEvents(_ context.Context, offset, size int) ([]model.TempEvent, error) {
	s.mu.RLock()
	all := append([]model.TempEvent(nil), s.temps...)
	s.mu.RUnlock()

	sortTempEvents(all)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) DrainTempEvents(_ context.Context, ouid string) ([]model.TempEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained []model.TempEvent
	kept := s.temps[:0]
	for _, t := range s.temps {
		if t.Ouid == ouid {
			drained = append(drained, t)
			continue
		}
		kept = append(kept, t)
	}
	s.temps = kept
	sortTempEvents(drained)
	return drained, nil
}

func (s *MemoryStore) RemoveTempEvents(_ context.Context, ids []int64) error {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.temps[:0]
	for _, t := range s.temps {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	s.temps = kept
	return nil
}

func (s *MemoryStore) LoadUnprocessed(_ context.Context, afterSeq int64, size int) ([]model.FinancialAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FinancialAction
	for _, a := range s.sortedActions() {
		if a.Status != model.ActionCreated || a.Seq <= afterSeq {
			continue
		}
		out = append(out, a)
		if len(out) == size {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadRetries(_ context.Context, before time.Time, limit int) ([]model.FinancialAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FinancialAction
	for _, a := range s.sortedActions() {
		if a.Status != model.ActionCreated || !a.CreatedAt.Before(before) {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadAction(_ context.Context, id uuid.UUID) (*model.FinancialAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.actionIdx[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	a := s.actions[idx]
	return &a, nil
}

func (s *MemoryStore) ProcessAction(_ context.Context, id uuid.UUID, fn func(model.FinancialAction) error) (ProcessOutcome, error) {
	s.mu.Lock()
	idx, ok := s.actionIdx[id]
	if !ok {
		s.mu.Unlock()
		return OutcomeProcessed, ErrActionNotFound
	}
	if _, busy := s.claimed[id]; busy {
		s.mu.Unlock()
		return OutcomeBusy, nil
	}
	action := s.actions[idx]
	if action.Status == model.ActionProcessed {
		s.mu.Unlock()
		return OutcomeAlreadyProcessed, nil
	}
	s.claimed[id] = struct{}{}
	s.mu.Unlock()

	err := fn(action)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
	if err != nil {
		return OutcomeProcessed, err
	}
	now := time.Now().UTC()
	s.actions[idx].Status = model.ActionProcessed
	s.actions[idx].ProcessedAt = &now
	return OutcomeProcessed, nil
}

func (s *MemoryStore) CountUnprocessed(_ context.Context, uuid, symbol string, eventType model.EventType) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.actions {
		if a.Status == model.ActionCreated && a.SourceUUID == uuid && a.Symbol == symbol && a.EventType == eventType {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListPairConfigs(context.Context) ([]model.PairConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PairConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) FindPairConfig(_ context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[model.PairConfigKey(pair, direction, userLevel)]
	if !ok {
		return nil, ErrPairConfigNotFound
	}
	return &c, nil
}

func (s *MemoryStore) UpsertPairConfig(_ context.Context, cfg model.PairConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Key()] = cfg
	return nil
}

// Actions returns every stored action in insertion order.
func (s *MemoryStore) Actions() []model.FinancialAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedActions()
}

func (s *MemoryStore) sortedActions() []model.FinancialAction {
	out := append([]model.FinancialAction(nil), s.actions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *MemoryStore) tempsFor(ouid string, skip map[int64]bool) []model.TempEvent {
	var out []model.TempEvent
	for _, t := range s.temps {
		if t.Ouid == ouid && !skip[t.ID] {
			out = append(out, t)
		}
	}
	sortTempEvents(out)
	return out
}

func lastAction(actions []model.FinancialAction, uuid, ouid string) *model.FinancialAction {
	var last *model.FinancialAction
	for i := range actions {
		a := actions[i]
		if a.Ouid != ouid || a.SourceUUID != uuid {
			continue
		}
		if last == nil || a.Seq > last.Seq {
			cp := a
			last = &cp
		}
	}
	return last
}

type memTx struct {
	store     *MemoryStore
	orders    map[string]model.Order
	actions   []model.FinancialAction
	temps     []model.TempEvent
	deleted   map[int64]bool
	processed map[string]bool
}

func (t *memTx) FindOrder(ctx context.Context, ouid string) (*model.Order, error) {
	if o, ok := t.orders[ouid]; ok {
		return &o, nil
	}
	return t.store.GetOrder(ctx, ouid)
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if _, err := t.FindOrder(ctx, o.Ouid); err == nil {
		return ErrDuplicateOrder
	}
	t.orders[o.Ouid] = *o
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if _, err := t.FindOrder(ctx, o.Ouid); err != nil {
		return err
	}
	t.orders[o.Ouid] = *o
	return nil
}

func (t *memTx) InsertActions(_ context.Context, actions []model.FinancialAction) ([]model.FinancialAction, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]model.FinancialAction, len(actions))
	for i, a := range actions {
		if a.Amount.IsNegative() {
			return nil, ErrNegativeAmount
		}
		t.store.nextSeq++
		a.Seq = t.store.nextSeq
		out[i] = a
	}
	t.actions = append(t.actions, out...)
	return out, nil
}

func (t *memTx) FindLastAction(_ context.Context, uuid, ouid string) (*model.FinancialAction, error) {
	if staged := lastAction(t.actions, uuid, ouid); staged != nil {
		return staged, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return lastAction(t.store.actions, uuid, ouid), nil
}

func (t *memTx) SaveTempEvent(_ context.Context, ev model.TempEvent) (bool, error) {
	for _, staged := range t.temps {
		if staged.Ouid == ev.Ouid && staged.EventKey == ev.EventKey {
			return false, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, existing := range t.store.temps {
		if existing.Ouid == ev.Ouid && existing.EventKey == ev.EventKey && !t.deleted[existing.ID] {
			return false, nil
		}
	}
	t.store.nextTemp++
	ev.ID = t.store.nextTemp
	t.temps = append(t.temps, ev)
	return true, nil
}

func (t *memTx) LoadTempEvents(_ context.Context, ouid string) ([]model.TempEvent, error) {
	t.store.mu.RLock()
	out := t.store.tempsFor(ouid, t.deleted)
	t.store.mu.RUnlock()
	for _, staged := range t.temps {
		if staged.Ouid == ouid {
			out = append(out, staged)
		}
	}
	sortTempEvents(out)
	return out, nil
}

func (t *memTx) DeleteTempEvent(_ context.Context, id int64) (bool, error) {
	if t.deleted[id] {
		return false, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, existing := range t.store.temps {
		if existing.ID == id {
			t.deleted[id] = true
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, key string) (bool, error) {
	if t.processed[key] {
		return false, nil
	}
	t.store.mu.RLock()
	_, done := t.store.processed[key]
	t.store.mu.RUnlock()
	if done {
		return false, nil
	}
	t.processed[key] = true
	return true, nil
}
