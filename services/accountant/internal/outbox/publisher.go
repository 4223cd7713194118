package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
)

const (
	defaultPageSize = 100
	// maxChainDepth bounds the parent walk so a corrupt chain cannot loop.
	maxChainDepth = 1024
)

var ErrChainTooDeep = errors.New("action chain too deep")

type Store interface {
	LoadUnprocessed(ctx context.Context, afterSeq int64, size int) ([]model.FinancialAction, error)
	LoadRetries(ctx context.Context, before time.Time, limit int) ([]model.FinancialAction, error)
	LoadAction(ctx context.Context, id uuid.UUID) (*model.FinancialAction, error)
	ProcessAction(ctx context.Context, id uuid.UUID, fn func(model.FinancialAction) error) (storage.ProcessOutcome, error)
}

type WalletClient interface {
	Transfer(ctx context.Context, req model.TransferRequest) error
}

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Forwarded int `json:"forwarded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	// Halted counts CREATED actions left behind a failed or busy ancestor.
	Halted int `json:"halted"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Scanned += o.Scanned
	r.Forwarded += o.Forwarded
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Halted += o.Halted
}

// Publisher forwards CREATED financial actions to the wallet subsystem in
// causal order: an action is only sent once every ancestor has been sent.
type Publisher struct {
	store    Store
	wallet   WalletClient
	pageSize int
	logger   *slog.Logger
	metrics  *Metrics
}

func NewPublisher(store Store, wallet WalletClient, pageSize int, logger *slog.Logger, metrics *Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Publisher{
		store:    store,
		wallet:   wallet,
		pageSize: pageSize,
		logger:   logger,
		metrics:  metrics,
	}
}

// sweepState carries what one sweep has already decided about each action.
type sweepState struct {
	done    map[uuid.UUID]bool
	blocked map[uuid.UUID]bool
}

func newSweepState() *sweepState {
	return &sweepState{
		done:    make(map[uuid.UUID]bool),
		blocked: make(map[uuid.UUID]bool),
	}
}

func (p *Publisher) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { p.metrics.observeSweep(time.Since(start)) }()

	var res SweepResult
	state := newSweepState()
	var after int64
	for {
		page, err := p.store.LoadUnprocessed(ctx, after, p.pageSize)
		if err != nil {
			return res, fmt.Errorf("load unprocessed actions: %w", err)
		}
		for _, action := range page {
			after = action.Seq
			res.Scanned++
			if state.done[action.ID] || state.blocked[action.ID] {
				continue
			}
			chain, err := p.chain(ctx, action)
			if err != nil {
				return res, err
			}
			res.add(p.forward(ctx, chain, state))
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if len(page) < p.pageSize {
			break
		}
	}
	if res.Forwarded > 0 || res.Failed > 0 {
		p.logger.Info("outbox sweep finished", "scanned", res.Scanned, "forwarded", res.Forwarded, "failed", res.Failed, "halted", res.Halted)
	}
	return res, nil
}

// PublishChain forwards the unprocessed ancestors of id, then id itself.
func (p *Publisher) PublishChain(ctx context.Context, id uuid.UUID) (SweepResult, error) {
	action, err := p.store.LoadAction(ctx, id)
	if err != nil {
		return SweepResult{}, err
	}
	if action.Status == model.ActionProcessed {
		return SweepResult{Scanned: 1, Skipped: 1}, nil
	}
	chain, err := p.chain(ctx, *action)
	if err != nil {
		return SweepResult{}, err
	}
	res := p.forward(ctx, chain, newSweepState())
	res.Scanned = 1
	return res, nil
}

// Chain returns the unprocessed ancestors of id and id itself, root first.
func (p *Publisher) Chain(ctx context.Context, id uuid.UUID) ([]model.FinancialAction, error) {
	action, err := p.store.LoadAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.chain(ctx, *action)
}

func (p *Publisher) LoadRetries(ctx context.Context, olderThan time.Duration, limit int) ([]model.FinancialAction, error) {
	if limit <= 0 {
		limit = p.pageSize
	}
	return p.store.LoadRetries(ctx, time.Now().UTC().Add(-olderThan), limit)
}

func (p *Publisher) chain(ctx context.Context, leaf model.FinancialAction) ([]model.FinancialAction, error) {
	chain := []model.FinancialAction{leaf}
	cur := leaf
	for cur.ParentID != nil {
		if len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("%w: %s", ErrChainTooDeep, leaf.ID)
		}
		parent, err := p.store.LoadAction(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent %s of %s: %w", *cur.ParentID, cur.ID, err)
		}
		if parent.Status == model.ActionProcessed {
			break
		}
		chain = append(chain, *parent)
		cur = *parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// forward sends chain root to leaf and stops at the first action that fails
// or is held by another sweeper. Everything after it stays CREATED.
func (p *Publisher) forward(ctx context.Context, chain []model.FinancialAction, state *sweepState) SweepResult {
	var res SweepResult
	for i, action := range chain {
		if state.done[action.ID] {
			continue
		}
		if state.blocked[action.ID] {
			res.Halted += p.block(chain[i+1:], state)
			return res
		}
		outcome, err := p.store.ProcessAction(ctx, action.ID, func(fa model.FinancialAction) error {
			return p.wallet.Transfer(ctx, fa.TransferRequest())
		})
		if err != nil {
			state.blocked[action.ID] = true
			res.Failed++
			res.Halted += p.block(chain[i+1:], state)
			p.metrics.incForward("error")
			p.logger.Warn("forward financial action failed", "action_id", action.ID, "ouid", action.Ouid, "category", action.Category, "error", err)
			return res
		}
		switch outcome {
		case storage.OutcomeBusy:
			state.blocked[action.ID] = true
			res.Halted += 1 + p.block(chain[i+1:], state)
			p.metrics.incForward("busy")
			return res
		case storage.OutcomeAlreadyProcessed:
			state.done[action.ID] = true
			res.Skipped++
			p.metrics.incForward("skipped")
		default:
			state.done[action.ID] = true
			res.Forwarded++
			p.metrics.incForward("success")
		}
	}
	return res
}

func (p *Publisher) block(rest []model.FinancialAction, state *sweepState) int {
	n := 0
	for _, a := range rest {
		if !state.done[a.ID] && !state.blocked[a.ID] {
			state.blocked[a.ID] = true
			n++
		}
	}
	return n
}
