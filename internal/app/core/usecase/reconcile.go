package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/pkg/obs"
)

// 對帳發現的不一致種類
const (
	FaultGrantBalance   = "grant_balance"
	FaultLedgerChain    = "ledger_chain"
	FaultSessionSpots   = "session_spots"
	FaultSessionOverCap = "session_over_capacity"
)

// Fault 一筆資料不一致。只回報，不修正
type Fault struct {
	Kind       string    `json:"kind"`
	SubjectID  int64     `json:"subject_id"`
	Expected   int64     `json:"expected"`
	Actual     int64     `json:"actual"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

func (f Fault) Error() string {
	return fmt.Sprintf("%s: %s %d expected=%d actual=%d %s",
		domain.ErrIntegrityFault, f.Kind, f.SubjectID, f.Expected, f.Actual, f.Detail)
}

func (f Fault) Unwrap() error {
	return domain.ErrIntegrityFault
}

// JournalKindFault 寫入 journal 時的紀錄種類
const JournalKindFault = "integrity_fault"

func (Fault) JournalKind() string {
	return JournalKindFault
}

// FaultJournal 不一致紀錄的寫入目標 (pkg/wal.WAL 即符合，種類取自 Fault.JournalKind)
type FaultJournal interface {
	Write(v any) error
}

// Reconciler 背景對帳
//
//	方案: RemainingCredits == InitialCredits + Σcredit - Σdebit，且分錄前後餘額串接正確
//	課程: SpotsTaken == active 預約數，且 SpotsTaken <= Capacity
//
// 分頁只取 ID；每個方案、課程各自在交易內鎖住後再比對，避免與進行中的預約交錯
type Reconciler struct {
	store    Store
	journal  FaultJournal
	logger   *slog.Logger
	metrics  *obs.Metrics
	now      func() time.Time
	pageSize int
}

// ReconcilerOption 設定 Reconciler
type ReconcilerOption func(*Reconciler)

func WithFaultJournal(j FaultJournal) ReconcilerOption {
	return func(r *Reconciler) {
		r.journal = j
	}
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithReconcilerMetrics(m *obs.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithPageSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

func NewReconciler(store Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		pageSize: 200,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 完整對帳一次，回傳所有不一致
func (r *Reconciler) Run(ctx context.Context) ([]Fault, error) {
	faults, err := r.checkGrants(ctx)
	if err != nil {
		return nil, err
	}
	sessionFaults, err := r.checkSessions(ctx)
	if err != nil {
		return nil, err
	}
	faults = append(faults, sessionFaults...)

	for _, f := range faults {
		r.metrics.IncIntegrityFault(f.Kind)
		r.logger.Error("integrity fault",
			"kind", f.Kind,
			"subject_id", f.SubjectID,
			"expected", f.Expected,
			"actual", f.Actual,
			"detail", f.Detail)
		if r.journal != nil {
			if err := r.journal.Write(f); err != nil {
				return faults, fmt.Errorf("write fault journal: %w", err)
			}
		}
	}
	return faults, nil
}

// Start 每隔 interval 對帳一次，直到 ctx 結束
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			faults, err := r.Run(ctx)
			if err != nil {
				r.logger.Warn("reconcile failed", "error", err)
				continue
			}
			r.logger.Info("reconcile finished", "faults", len(faults))
		}
	}
}

func (r *Reconciler) checkGrants(ctx context.Context) ([]Fault, error) {
	var faults []Fault
	var afterID int64
	for {
		grants, err := r.store.ListGrants(ctx, afterID, r.pageSize)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			found, err := r.checkGrant(ctx, g.ID)
			if err != nil {
				return nil, err
			}
			faults = append(faults, found...)
		}
		if len(grants) < r.pageSize {
			return faults, nil
		}
		afterID = grants[len(grants)-1].ID
	}
}

// checkGrant 鎖住方案後讀分錄，與扣點/退點互斥
func (r *Reconciler) checkGrant(ctx context.Context, grantID int64) ([]Fault, error) {
	var faults []Fault
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		faults = nil
		g, err := tx.LockGrant(ctx, grantID)
		if err != nil {
			return err
		}
		entries, err := tx.ListLedgerEntries(ctx, g.ID)
		if err != nil {
			return err
		}
		projected := domain.ProjectBalance(g.InitialCredits, entries)
		if projected != g.RemainingCredits {
			faults = append(faults, Fault{
				Kind:       FaultGrantBalance,
				SubjectID:  g.ID,
				Expected:   projected,
				Actual:     g.RemainingCredits,
				DetectedAt: r.now().UTC(),
			})
		}
		if err := domain.VerifyChain(g.InitialCredits, entries); err != nil {
			faults = append(faults, Fault{
				Kind:       FaultLedgerChain,
				SubjectID:  g.ID,
				Expected:   projected,
				Actual:     g.RemainingCredits,
				Detail:     err.Error(),
				DetectedAt: r.now().UTC(),
			})
		}
		return nil
	})
	return faults, err
}

func (r *Reconciler) checkSessions(ctx context.Context) ([]Fault, error) {
	var faults []Fault
	var afterID int64
	for {
		sessions, err := r.store.ListSessions(ctx, SessionFilter{AfterID: afterID, Limit: r.pageSize, OrderByID: true})
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			found, err := r.checkSession(ctx, s.ID)
			if err != nil {
				return nil, err
			}
			faults = append(faults, found...)
		}
		if len(sessions) < r.pageSize {
			return faults, nil
		}
		afterID = sessions[len(sessions)-1].ID
	}
}

// checkSession 預約的建立與取消都持有課程鎖，鎖住後計數才一致
func (r *Reconciler) checkSession(ctx context.Context, sessionID int64) ([]Fault, error) {
	var faults []Fault
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		faults = nil
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		active, err := tx.CountActiveBookings(ctx, s.ID)
		if err != nil {
			return err
		}
		if int64(s.SpotsTaken) != active {
			faults = append(faults, Fault{
				Kind:       FaultSessionSpots,
				SubjectID:  s.ID,
				Expected:   active,
				Actual:     int64(s.SpotsTaken),
				DetectedAt: r.now().UTC(),
			})
		}
		if s.SpotsTaken > s.Capacity {
			faults = append(faults, Fault{
				Kind:       FaultSessionOverCap,
				SubjectID:  s.ID,
				Expected:   int64(s.Capacity),
				Actual:     int64(s.SpotsTaken),
				DetectedAt: r.now().UTC(),
			})
		}
		return nil
	})
	return faults, err
}
