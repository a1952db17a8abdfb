package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// memStore is an in-memory store.Store.  A transaction holds the store
// mutex for its whole duration, which gives the same serialization a row
// lock would, and a failed transaction restores the snapshot taken at
// its start.
type memStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	trips    map[uint64]model.Trip
	points   map[uint64]uint64 // departure point -> trip
	sessions map[string]model.CheckoutSession
	links    map[uint64]model.MagicLinkToken
	users    map[uint64]model.User
	accounts map[uint64]model.LoyaltyAccount
	ledger   map[uint64]model.LoyaltyTransaction
	orders   map[uint64]model.Order
	payments map[uint64]model.Payment
	nextID   uint64
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		trips:    map[uint64]model.Trip{},
		points:   map[uint64]uint64{},
		sessions: map[string]model.CheckoutSession{},
		links:    map[uint64]model.MagicLinkToken{},
		users:    map[uint64]model.User{},
		accounts: map[uint64]model.LoyaltyAccount{},
		ledger:   map[uint64]model.LoyaltyTransaction{},
		orders:   map[uint64]model.Order{},
		payments: map[uint64]model.Payment{},
		nextID:   100,
	}, now: func() time.Time { return time.Now().UTC() }}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s memState) clone() memState {
	return memState{
		trips:    cloneMap(s.trips),
		points:   cloneMap(s.points),
		sessions: cloneMap(s.sessions),
		links:    cloneMap(s.links),
		users:    cloneMap(s.users),
		accounts: cloneMap(s.accounts),
		ledger:   cloneMap(s.ledger),
		orders:   cloneMap(s.orders),
		payments: cloneMap(s.payments),
		nextID:   s.nextID,
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{s: &m.state, now: m.now}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// read runs fn under the store lock for assertions.
func (m *memStore) read(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}

func (m *memStore) addTrip(t model.Trip) {
	m.read(func(s *memState) { s.trips[t.ID] = t })
}

func (m *memStore) addUser(id uint64, email string) {
	m.read(func(s *memState) {
		s.users[id] = model.User{ID: id, Email: email, Role: model.RoleCustomer, IsActive: true}
	})
}

// addPoints gives a user an account holding points through an
// order-less EARN row.
func (m *memStore) addPoints(userID uint64, points int64, expiresAt *time.Time) uint64 {
	var acct uint64
	m.read(func(s *memState) {
		for _, a := range s.accounts {
			if a.UserID == userID {
				acct = a.ID
			}
		}
		if acct == 0 {
			s.nextID++
			acct = s.nextID
			s.accounts[acct] = model.LoyaltyAccount{ID: acct, UserID: userID}
		}
		s.nextID++
		s.ledger[s.nextID] = model.LoyaltyTransaction{
			ID: s.nextID, AccountID: acct, Type: model.LoyaltyEarn, Points: points, ExpiresAt: expiresAt,
		}
		a := s.accounts[acct]
		a.PointsBalance += points
		s.accounts[acct] = a
	})
	return acct
}

func (m *memStore) trip(id uint64) (t model.Trip) {
	m.read(func(s *memState) { t = s.trips[id] })
	return
}

func (m *memStore) session(id string) (sess model.CheckoutSession) {
	m.read(func(s *memState) { sess = s.sessions[id] })
	return
}

func (m *memStore) order(id uint64) (o model.Order) {
	m.read(func(s *memState) { o = s.orders[id] })
	return
}

func (m *memStore) paymentsOf(orderID uint64) (out []model.Payment) {
	m.read(func(s *memState) {
		for _, p := range s.payments {
			if p.OrderID == orderID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return
}

func (m *memStore) entries(orderID uint64) (out []model.LoyaltyTransaction) {
	m.read(func(s *memState) {
		for _, e := range s.ledger {
			if e.OrderID != nil && *e.OrderID == orderID {
				out = append(out, e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return
}

func (m *memStore) account(userID uint64) (a model.LoyaltyAccount) {
	m.read(func(s *memState) {
		for _, acc := range s.accounts {
			if acc.UserID == userID {
				a = acc
			}
		}
	})
	return
}

func (m *memStore) ledgerSum(acct uint64, now time.Time) (sum int64) {
	m.read(func(s *memState) { sum = s.sum(acct, now) })
	return
}

func (s *memState) sum(acct uint64, now time.Time) int64 {
	var sum int64
	for _, e := range s.ledger {
		if e.AccountID != acct {
			continue
		}
		if e.Type == model.LoyaltyEarn && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			continue
		}
		sum += e.Points
	}
	return sum
}

type memTx struct {
	s   *memState
	now func() time.Time
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) id() uint64 {
	t.s.nextID++
	return t.s.nextID
}

func (t *memTx) GetTrip(_ context.Context, id uint64) (model.Trip, error) {
	tr, ok := t.s.trips[id]
	if !ok {
		return tr, store.ErrNotFound
	}
	return tr, nil
}

func (t *memTx) DeparturePointExists(_ context.Context, tripID, pointID uint64) (bool, error) {
	owner, ok := t.s.points[pointID]
	return ok && owner == tripID, nil
}

func (t *memTx) ClaimSeats(_ context.Context, tripID uint64, qty int) (bool, error) {
	tr, ok := t.s.trips[tripID]
	if !ok || tr.Availability != model.AvailabilityOpen || tr.SeatsLeft < qty {
		return false, nil
	}
	tr.SeatsLeft -= qty
	if tr.SeatsLeft == 0 {
		tr.Availability = model.AvailabilityClosed
	}
	t.s.trips[tripID] = tr
	return true, nil
}

func (t *memTx) ReleaseSeats(_ context.Context, tripID uint64, qty int) error {
	tr, ok := t.s.trips[tripID]
	if !ok {
		return nil
	}
	tr.SeatsLeft += qty
	if tr.SeatsLeft > tr.Capacity {
		tr.SeatsLeft = tr.Capacity
	}
	if tr.Availability == model.AvailabilityClosed && !tr.ManuallyClosed && tr.SeatsLeft > 0 {
		tr.Availability = model.AvailabilityOpen
	}
	t.s.trips[tripID] = tr
	return nil
}

func (t *memTx) CreateSession(_ context.Context, s model.CheckoutSession) error {
	if _, ok := t.s.sessions[s.ID]; ok {
		return store.ErrDuplicate
	}
	t.s.sessions[s.ID] = s
	return nil
}

func (t *memTx) GetSessionForUpdate(_ context.Context, id string) (model.CheckoutSession, error) {
	s, ok := t.s.sessions[id]
	if !ok {
		return s, store.ErrNotFound
	}
	return s, nil
}

func (t *memTx) UpdateSession(_ context.Context, s model.CheckoutSession) error {
	if _, ok := t.s.sessions[s.ID]; !ok {
		return store.ErrNotFound
	}
	t.s.sessions[s.ID] = s
	return nil
}

func (t *memTx) ListExpiredSessionIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	for id, s := range t.s.sessions {
		if s.IsExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) CreateMagicLink(_ context.Context, l *model.MagicLinkToken) error {
	for _, x := range t.s.links {
		if x.TokenHash == l.TokenHash {
			return store.ErrDuplicate
		}
	}
	l.ID = t.id()
	t.s.links[l.ID] = *l
	return nil
}

func (t *memTx) FindActiveMagicLink(_ context.Context, sessionID string, userID uint64, now time.Time) (model.MagicLinkToken, error) {
	for _, l := range t.s.links {
		if l.SessionID == sessionID && l.UserID == userID && l.UsableAt(now) {
			return l, nil
		}
	}
	return model.MagicLinkToken{}, store.ErrNotFound
}

func (t *memTx) GetMagicLinkForUpdate(_ context.Context, hash string) (model.MagicLinkToken, error) {
	for _, l := range t.s.links {
		if l.TokenHash == hash {
			return l, nil
		}
	}
	return model.MagicLinkToken{}, store.ErrNotFound
}

func (t *memTx) MarkMagicLinkUsed(_ context.Context, id uint64, now time.Time) (bool, error) {
	l, ok := t.s.links[id]
	if !ok || l.UsedAt != nil {
		return false, nil
	}
	l.UsedAt = &now
	t.s.links[id] = l
	return true, nil
}

func (t *memTx) InvalidateSessionMagicLinks(_ context.Context, sessionID string, now time.Time) (int64, error) {
	var n int64
	for id, l := range t.s.links {
		if l.SessionID == sessionID && l.UsedAt == nil {
			l.UsedAt = &now
			t.s.links[id] = l
			n++
		}
	}
	return n, nil
}

func (t *memTx) InvalidateOrphanMagicLinks(_ context.Context, now time.Time, limit int) (int64, error) {
	var n int64
	for id, l := range t.s.links {
		if int(n) >= limit {
			break
		}
		if l.UsedAt != nil {
			continue
		}
		if now.Before(l.ExpiresAt) && t.s.sessions[l.SessionID].Status == model.SessionPending {
			continue
		}
		l.UsedAt = &now
		t.s.links[id] = l
		n++
	}
	return n, nil
}

func (t *memTx) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	for _, u := range t.s.users {
		if u.Email == email && u.IsActive {
			return u, nil
		}
	}
	return model.User{}, store.ErrNotFound
}

func (t *memTx) GetAccountByUser(_ context.Context, userID uint64) (model.LoyaltyAccount, error) {
	for _, a := range t.s.accounts {
		if a.UserID == userID {
			return a, nil
		}
	}
	return model.LoyaltyAccount{}, store.ErrNotFound
}

func (t *memTx) EnsureAccount(ctx context.Context, userID uint64) (model.LoyaltyAccount, error) {
	if a, err := t.GetAccountByUser(ctx, userID); err == nil {
		return a, nil
	}
	a := model.LoyaltyAccount{ID: t.id(), UserID: userID}
	t.s.accounts[a.ID] = a
	return a, nil
}

func (t *memTx) LockAccount(_ context.Context, id uint64) (model.LoyaltyAccount, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return a, store.ErrNotFound
	}
	return a, nil
}

func (t *memTx) LedgerEntryExists(ctx context.Context, orderID uint64, typ model.LoyaltyTxType) (bool, error) {
	_, err := t.GetLedgerEntry(ctx, orderID, typ)
	return err == nil, nil
}

func (t *memTx) GetLedgerEntry(_ context.Context, orderID uint64, typ model.LoyaltyTxType) (model.LoyaltyTransaction, error) {
	for _, e := range t.s.ledger {
		if e.OrderID != nil && *e.OrderID == orderID && e.Type == typ {
			return e, nil
		}
	}
	return model.LoyaltyTransaction{}, store.ErrNotFound
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, e *model.LoyaltyTransaction) error {
	if e.OrderID != nil {
		if ok, _ := t.LedgerEntryExists(ctx, *e.OrderID, e.Type); ok {
			return store.ErrDuplicate
		}
	}
	e.ID = t.id()
	t.s.ledger[e.ID] = *e
	return nil
}

func (t *memTx) AdjustPointsBalance(_ context.Context, id uint64, delta int64) error {
	a := t.s.accounts[id]
	a.PointsBalance += delta
	t.s.accounts[id] = a
	return nil
}

func (t *memTx) SetPointsBalance(_ context.Context, id uint64, balance int64) error {
	a := t.s.accounts[id]
	a.PointsBalance = balance
	t.s.accounts[id] = a
	return nil
}

func (t *memTx) SumAvailablePoints(_ context.Context, id uint64, now time.Time) (int64, error) {
	return t.s.sum(id, now), nil
}

func (t *memTx) SumAvailablePointsLocked(_ context.Context, id uint64, now time.Time) (int64, error) {
	return t.s.sum(id, now), nil
}

func (t *memTx) ListAccountsWithLapsedPoints(_ context.Context, from, to time.Time, limit int) ([]uint64, error) {
	seen := map[uint64]bool{}
	var ids []uint64
	for _, e := range t.s.ledger {
		if e.Type != model.LoyaltyEarn || e.ExpiresAt == nil || seen[e.AccountID] {
			continue
		}
		if e.ExpiresAt.After(from) && !e.ExpiresAt.After(to) {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	for _, x := range t.s.orders {
		if x.CheckoutSessionID == o.CheckoutSessionID || x.OrderNumber == o.OrderNumber {
			return store.ErrDuplicate
		}
	}
	o.ID = t.id()
	items := make([]model.OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.ID = t.id()
		it.OrderID = o.ID
		items[i] = it
	}
	o.Items = items
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.now()
	}
	t.s.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id uint64) (model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return o, store.ErrNotFound
	}
	return o, nil
}

func (t *memTx) GetOrderByNumber(_ context.Context, number string) (model.Order, error) {
	for _, o := range t.s.orders {
		if o.OrderNumber == number {
			return o, nil
		}
	}
	return model.Order{}, store.ErrNotFound
}

func (t *memTx) SetOrderStatus(_ context.Context, id uint64, status model.OrderStatus, now time.Time) error {
	o := t.s.orders[id]
	o.Status = status
	o.UpdatedAt = now
	if status == model.OrderCancelled {
		o.CancelledAt = &now
	}
	t.s.orders[id] = o
	return nil
}

func (t *memTx) ListStaleOrderIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	var ids []uint64
	for id, o := range t.s.orders {
		payments, _ := t.ListPayments(ctx, id)
		if paymentTimedOut(o, payments, cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) ListAbandonedOrderIDs(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	var ids []uint64
	for id, o := range t.s.orders {
		payments, _ := t.ListPayments(ctx, id)
		if orderAbandoned(o, payments) && !now.Before(t.s.sessions[o.CheckoutSessionID].ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	for _, x := range t.s.payments {
		if x.ExternalID == p.ExternalID {
			return store.ErrDuplicate
		}
	}
	p.ID = t.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.now()
	}
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPaymentByExternalID(_ context.Context, ext string) (model.Payment, error) {
	for _, p := range t.s.payments {
		if p.ExternalID == ext {
			return p, nil
		}
	}
	return model.Payment{}, store.ErrNotFound
}

func (t *memTx) ListPayments(_ context.Context, orderID uint64) ([]model.Payment, error) {
	var out []model.Payment
	for _, p := range t.s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) SetPaymentStatus(_ context.Context, id uint64, status model.PaymentStatus, ref *string, paidAt *time.Time) error {
	p, ok := t.s.payments[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	if ref != nil {
		p.ProviderRef = ref
	}
	if paidAt != nil {
		p.PaidAt = paidAt
	}
	t.s.payments[id] = p
	return nil
}

func (t *memTx) CancelPendingPayments(_ context.Context, orderID, keepID uint64, now time.Time) error {
	for id, p := range t.s.payments {
		if p.OrderID == orderID && p.ID != keepID && p.Status == model.PaymentPending {
			p.Status = model.PaymentCancelled
			p.UpdatedAt = now
			t.s.payments[id] = p
		}
	}
	return nil
}

func (t *memTx) ListOverdueTransfers(_ context.Context, cutoff time.Time) ([]model.OverdueTransfer, error) {
	var out []model.OverdueTransfer
	for _, p := range t.s.payments {
		if p.Provider != model.ProviderManualTransfer || p.Status != model.PaymentPending || !p.CreatedAt.Before(cutoff) {
			continue
		}
		o := t.s.orders[p.OrderID]
		if o.Status != model.OrderSubmitted {
			continue
		}
		out = append(out, model.OverdueTransfer{
			OrderID: o.ID, OrderNumber: o.OrderNumber, Email: o.Email,
			AmountCents: p.AmountCents, PaymentID: p.ID, RequestedAt: p.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}
