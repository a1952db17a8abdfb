package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/queue"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// SweepReport counts what one sweep changed.
type SweepReport struct {
	ExpiredSessions   int `json:"expired_sessions"`
	InvalidatedTokens int `json:"invalidated_tokens"`
	CancelledOrders   int `json:"cancelled_orders"`
	RefreshedAccounts int `json:"refreshed_accounts"`
	Failures          int `json:"failures"`
}

// Sweeper reclaims seats and points held by abandoned checkouts.  Every
// item is handled in its own transaction; a failed item is logged and
// picked up again by the next run.
type Sweeper struct {
	orders *OrderService
	batch  int

	mu        sync.Mutex
	lastLapse time.Time
}

func NewSweeper(orders *OrderService, batch int) *Sweeper {
	if batch < 1 {
		batch = 100
	}
	return &Sweeper{orders: orders, batch: batch}
}

// RunOnce performs every pass once.  Concurrent calls in one process are
// serialized; across processes the scheduler's distributed lock applies.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.orders.Core
	now := c.now()
	var rep SweepReport
	touched := map[uint64]bool{}

	s.expireSessions(ctx, now, &rep)
	s.cancelAbandonedOrders(ctx, now, &rep, touched)
	s.invalidateTokens(ctx, now, &rep)
	s.cancelStalePayments(ctx, now, &rep, touched)
	s.refreshBalances(ctx, now, &rep, touched)

	entry := c.log.WithFields(logrus.Fields{
		"expired_sessions":   rep.ExpiredSessions,
		"invalidated_tokens": rep.InvalidatedTokens,
		"cancelled_orders":   rep.CancelledOrders,
		"refreshed_accounts": rep.RefreshedAccounts,
		"failures":           rep.Failures,
	})
	if rep.Failures > 0 {
		entry.Warn("sweep finished with failures")
	} else {
		entry.Debug("sweep finished")
	}
	return rep
}

func (s *Sweeper) fail(ctx context.Context, rep *SweepReport, pass string, err error, fields logrus.Fields) {
	rep.Failures++
	s.orders.metrics.SweepFailure(ctx, pass)
	s.orders.log.WithError(err).WithFields(fields).WithField("pass", pass).Error("sweep item failed")
}

// Pass 1: PENDING sessions past their deadline.
func (s *Sweeper) expireSessions(ctx context.Context, now time.Time, rep *SweepReport) {
	c := s.orders.Core
	var ids []string
	if err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListExpiredSessionIDs(ctx, now, s.batch)
		return err
	}); err != nil {
		s.fail(ctx, rep, "expire", err, nil)
		return
	}
	for _, id := range ids {
		var expired bool
		err := c.store.WithTx(ctx, func(tx store.Tx) error {
			sess, err := tx.GetSessionForUpdate(ctx, id)
			if err != nil {
				return err
			}
			expired, err = c.expireSession(ctx, tx, &sess, now)
			return err
		})
		if err != nil {
			s.fail(ctx, rep, "expire", err, logrus.Fields{"session_id": id})
			continue
		}
		if expired {
			rep.ExpiredSessions++
		}
	}
}

// Pass 2: unused links that expired or whose session left PENDING.
func (s *Sweeper) invalidateTokens(ctx context.Context, now time.Time, rep *SweepReport) {
	c := s.orders.Core
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.InvalidateOrphanMagicLinks(ctx, now, s.batch)
		rep.InvalidatedTokens += int(n)
		return err
	})
	if err != nil {
		rep.InvalidatedTokens = 0
		s.fail(ctx, rep, "tokens", err, nil)
	}
}

// Pass 1, orders: SUBMITTED orders that never saw a payment attempt and
// whose session deadline passed.  Their session is already PAID, so
// session expiry alone does not reach them.
func (s *Sweeper) cancelAbandonedOrders(ctx context.Context, now time.Time, rep *SweepReport, touched map[uint64]bool) {
	var ids []uint64
	if err := s.orders.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListAbandonedOrderIDs(ctx, now, s.batch)
		return err
	}); err != nil {
		s.fail(ctx, rep, "expire", err, nil)
		return
	}
	s.cancelOrders(ctx, now, rep, touched, sweepCancel{
		pass:    "expire",
		reason:  ReasonSessionExpired,
		session: model.SessionExpired,
		due:     orderAbandoned,
	}, ids)
}

// Pass 3: SUBMITTED orders whose gateway payment never arrived.  Orders
// with a manual transfer are left to the operator.
func (s *Sweeper) cancelStalePayments(ctx context.Context, now time.Time, rep *SweepReport, touched map[uint64]bool) {
	c := s.orders.Core
	cutoff := now.Add(-c.cfg.GatewayPaymentTTL)
	var ids []uint64
	if err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListStaleOrderIDs(ctx, cutoff, s.batch)
		return err
	}); err != nil {
		s.fail(ctx, rep, "payments", err, nil)
		return
	}
	s.cancelOrders(ctx, now, rep, touched, sweepCancel{
		pass:    "payments",
		reason:  ReasonPaymentTimeout,
		session: model.SessionCancelled,
		due:     func(o model.Order, payments []model.Payment) bool {
			return paymentTimedOut(o, payments, cutoff)
		},
	}, ids)
}

type sweepCancel struct {
	pass    string
	reason  string
	session model.SessionStatus
	// due re-checks, under the order lock, what the listing query
	// decided without one.
	due     func(o model.Order, payments []model.Payment) bool
}

func (s *Sweeper) cancelOrders(ctx context.Context, now time.Time, rep *SweepReport, touched map[uint64]bool, sc sweepCancel, ids []uint64) {
	c := s.orders.Core
	for _, id := range ids {
		var (
			ord model.Order
			res cancelOutcome
		)
		err := c.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			ord, err = tx.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			payments, err := tx.ListPayments(ctx, id)
			if err != nil {
				return err
			}
			if !sc.due(ord, payments) {
				return nil
			}
			res, err = c.cancelOrderTx(ctx, tx, ord, sc.reason, sc.session, now)
			return err
		})
		if err != nil {
			s.fail(ctx, rep, sc.pass, err, logrus.Fields{"order_id": id})
			continue
		}
		if !res.Cancelled {
			continue
		}
		rep.CancelledOrders++
		if res.LoyaltyAccount != 0 {
			touched[res.LoyaltyAccount] = true
		}
		ord.Status = model.OrderCancelled
		s.orders.emit(ctx, queue.OrderCancelled, ord, 0, sc.reason)
	}
}

// orderAbandoned reports a SUBMITTED order without any payment attempt.
func orderAbandoned(o model.Order, payments []model.Payment) bool {
	return o.Status == model.OrderSubmitted && len(payments) == 0
}

// paymentTimedOut reports a SUBMITTED order whose latest gateway attempt,
// or creation when there is none, is before cutoff.
func paymentTimedOut(o model.Order, payments []model.Payment, cutoff time.Time) bool {
	if o.Status != model.OrderSubmitted {
		return false
	}
	latest := o.CreatedAt
	sawGateway := false
	for _, p := range payments {
		if p.Status == model.PaymentPaid || p.Provider == model.ProviderManualTransfer {
			return false
		}
		if p.Provider == model.ProviderGateway && (!sawGateway || p.CreatedAt.After(latest)) {
			latest = p.CreatedAt
			sawGateway = true
		}
	}
	return latest.Before(cutoff)
}

// Pass 4: rewrite cached balances that drifted from the ledger, either
// because this sweep credited them or because earned points lapsed.
func (s *Sweeper) refreshBalances(ctx context.Context, now time.Time, rep *SweepReport, touched map[uint64]bool) {
	c := s.orders.Core
	var lapsed []uint64
	if err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		lapsed, err = tx.ListAccountsWithLapsedPoints(ctx, s.lastLapse, now, s.batch)
		return err
	}); err != nil {
		s.fail(ctx, rep, "balances", err, nil)
	} else {
		s.lastLapse = now
		for _, id := range lapsed {
			touched[id] = true
		}
	}
	for id := range touched {
		err := c.store.WithTx(ctx, func(tx store.Tx) error {
			_, err := c.ledger.RefreshBalance(ctx, tx, id, now)
			return err
		})
		if err != nil {
			s.fail(ctx, rep, "balances", err, logrus.Fields{"account_id": id})
			continue
		}
		rep.RefreshedAccounts++
	}
}

// Start schedules RunOnce every interval.  With a locker, only one
// instance runs a given tick.  The returned function stops the
// scheduler.
func (s *Sweeper) Start(interval time.Duration, locker gocron.Locker) (func() error, error) {
	var opts []gocron.SchedulerOption
	if locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(locker))
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			s.RunOnce(ctx)
		}),
		gocron.WithName("checkout-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}
	sched.Start()
	return sched.Shutdown, nil
}
