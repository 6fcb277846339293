package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is the in-memory ledger used by tests. A mutex serializes whole
// transactions, which trivially satisfies the per-position ordering
// guarantee; InTx snapshots state and restores it when fn fails, mirroring
// a database rollback.
type Memory struct {
	name string

	mu        sync.Mutex
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	lots      map[string]*model.PositionLot
	lotSeq    map[string]int64
	txs       []model.Transaction
	seq       int64
}

func NewMemory(name string) *Memory {
	return &Memory{
		name:      name,
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
		lots:      make(map[string]*model.PositionLot),
		lotSeq:    make(map[string]int64),
	}
}

func (m *Memory) Name() string { return m.name }

// SeedAccount creates an account directly, bypassing transactions. Test
// setup only.
func (m *Memory) SeedAccount(userID, scopeID string, cash decimal.Decimal) model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	a := &model.Account{
		ID:         uuid.NewString(),
		UserID:     userID,
		ScopeID:    scopeID,
		Cash:       cash,
		UsedMargin: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.accounts[a.ID] = a
	return *a
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	lots      map[string]*model.PositionLot
	lotSeq    map[string]int64
	txs       []model.Transaction
	seq       int64
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		accounts:  make(map[string]*model.Account, len(m.accounts)),
		positions: make(map[string]*model.Position, len(m.positions)),
		lots:      make(map[string]*model.PositionLot, len(m.lots)),
		lotSeq:    make(map[string]int64, len(m.lotSeq)),
		txs:       append([]model.Transaction(nil), m.txs...),
		seq:       m.seq,
	}
	for k, v := range m.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range m.positions {
		cp := *v
		s.positions[k] = &cp
	}
	for k, v := range m.lots {
		cp := *v
		s.lots[k] = &cp
	}
	for k, v := range m.lotSeq {
		s.lotSeq[k] = v
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.accounts = s.accounts
	m.positions = s.positions
	m.lots = s.lots
	m.lotSeq = s.lotSeq
	m.txs = s.txs
	m.seq = s.seq
}

func (m *Memory) AccountIDForUser(ctx context.Context, userID, scopeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.ScopeID == scopeID {
			return a.ID, nil
		}
	}
	return "", ErrNotFound
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) GetPosition(ctx context.Context, positionID string) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return *p, nil
}

func (m *Memory) ListPositions(ctx context.Context, accountID string, openOnly bool) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.AccountID != accountID {
			continue
		}
		if openOnly && !p.IsOpen {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].AccountID != accountID {
			continue
		}
		out = append(out, m.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListDueSquareOffs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Position
	for _, p := range m.positions {
		if !p.IsOpen || p.Qty <= 0 || p.SquareOffAt == nil || p.SquareOffAt.After(now) {
			continue
		}
		due := p.SquareOffStatus == types.SquareOffPending ||
			(p.SquareOffStatus == types.SquareOffFailed && p.SquareOffAttempts < maxAttempts)
		if !due {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SquareOffAt.Before(*out[j].SquareOffAt) })
	return out, nil
}

func (m *Memory) ListStaleSquareOffs(ctx context.Context, before time.Time, limit int) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Position
	for _, p := range m.positions {
		if !p.IsOpen || p.Qty <= 0 || p.SquareOffStatus != types.SquareOffInProgress {
			continue
		}
		if p.UpdatedAt.After(before) {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// memTx operates on the already-locked Memory.
type memTx struct {
	m *Memory
}

func (x *memTx) AccountForUpdate(ctx context.Context, accountID string) (model.Account, error) {
	a, ok := x.m.accounts[accountID]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return *a, nil
}

func (x *memTx) UpdateAccountFunds(ctx context.Context, accountID string, cash, usedMargin decimal.Decimal) error {
	a, ok := x.m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.Cash = cash
	a.UsedMargin = usedMargin
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (x *memTx) OpenPositionForUpdate(ctx context.Context, accountID, instrumentToken string, product types.Product) (model.Position, error) {
	for _, p := range x.m.positions {
		if p.AccountID == accountID && p.InstrumentToken == instrumentToken && p.Product == product && p.IsOpen {
			return *p, nil
		}
	}
	return model.Position{}, ErrNotFound
}

func (x *memTx) PositionForUpdate(ctx context.Context, positionID string) (model.Position, error) {
	p, ok := x.m.positions[positionID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return *p, nil
}

func (x *memTx) CreatePosition(ctx context.Context, p *model.Position) error {
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	x.m.positions[p.ID] = &cp
	return nil
}

func (x *memTx) UpdatePosition(ctx context.Context, p model.Position) error {
	if _, ok := x.m.positions[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	cp := p
	x.m.positions[p.ID] = &cp
	return nil
}

func (x *memTx) OpenLots(ctx context.Context, positionID string) ([]model.PositionLot, error) {
	var out []model.PositionLot
	for _, l := range x.m.lots {
		if l.PositionID == positionID && l.RemainingQty > 0 {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return x.m.lotSeq[out[i].ID] < x.m.lotSeq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (x *memTx) CreateLot(ctx context.Context, lot *model.PositionLot) error {
	lot.ID = uuid.NewString()
	lot.CreatedAt = time.Now().UTC()
	x.m.seq++
	x.m.lotSeq[lot.ID] = x.m.seq
	cp := *lot
	x.m.lots[lot.ID] = &cp
	return nil
}

func (x *memTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining int64) error {
	l, ok := x.m.lots[lotID]
	if !ok {
		return ErrNotFound
	}
	l.RemainingQty = remaining
	return nil
}

func (x *memTx) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	x.m.txs = append(x.m.txs, *t)
	return nil
}
