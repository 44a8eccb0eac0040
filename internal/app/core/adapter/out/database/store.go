package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-class-ledger/pkg/database"
)

// Store 以 GORM 實作 usecase.Store (mysql / postgres / sqlite)
//
// 併發控制:
//
//	悲觀鎖: Lock* 使用 SELECT ... FOR UPDATE (sqlite 由單一寫入連線序列化)
//	樂觀鎖: SaveSession / SaveGrant 以 version 欄位做條件更新
type Store struct {
	reader
	client *database.Client
}

func NewStore(client *database.Client) *Store {
	return &Store{
		reader: reader{db: client.DB()},
		client: client,
	}
}

// Migrate 建立 / 更新資料表
func (s *Store) Migrate(ctx context.Context) error {
	return s.client.DB().WithContext(ctx).AutoMigrate(allModels()...)
}

// WithinTx 在單一資料庫交易中執行 fn，fn 回傳錯誤時 rollback
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx usecase.Tx) error) error {
	err := s.client.DB().WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(ctx, &txStore{reader: reader{db: gtx}})
	})
	return translateErr(err)
}

// reader 交易內外共用的查詢
type reader struct {
	db *gorm.DB
}

// findOne 查詢單筆，找不到回傳 domain.ErrNotFound
func (r reader) findOne(ctx context.Context, dest any, lock bool, query string, args ...any) error {
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	res := q.Where(query, args...).Limit(1).Find(dest)
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r reader) GetMember(ctx context.Context, id int64) (*domain.Member, error) {
	var m sqlMember
	if err := r.findOne(ctx, &m, false, "id = ?", id); err != nil {
		return nil, err
	}
	return toMember(&m), nil
}

func (r reader) GetMemberByExternalID(ctx context.Context, externalID string) (*domain.Member, error) {
	var m sqlMember
	if err := r.findOne(ctx, &m, false, "external_id = ?", externalID); err != nil {
		return nil, err
	}
	return toMember(&m), nil
}

func (r reader) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	var s sqlSession
	if err := r.findOne(ctx, &s, false, "id = ?", id); err != nil {
		return nil, err
	}
	return toSession(&s), nil
}

func (r reader) ListSessions(ctx context.Context, f usecase.SessionFilter) ([]*domain.Session, error) {
	q := r.db.WithContext(ctx).Model(&sqlSession{})
	if !f.From.IsZero() {
		q = q.Where("starts_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("starts_at < ?", f.To.UTC())
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.OrderByID {
		q = q.Where("id > ?", f.AfterID).Order("id ASC")
	} else {
		q = q.Order("starts_at ASC").Order("id ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []sqlSession
	if err := q.Find(&rows).Error; err != nil {
		return nil, translateErr(err)
	}
	out := make([]*domain.Session, 0, len(rows))
	for i := range rows {
		out = append(out, toSession(&rows[i]))
	}
	return out, nil
}

func (r reader) GetGrant(ctx context.Context, id int64) (*domain.PlanGrant, error) {
	var g sqlPlanGrant
	if err := r.findOne(ctx, &g, false, "id = ?", id); err != nil {
		return nil, err
	}
	return toGrant(&g), nil
}

func (r reader) ListMemberGrants(ctx context.Context, memberID int64) ([]*domain.PlanGrant, error) {
	var rows []sqlPlanGrant
	err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("end_date ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return toGrants(rows), nil
}

func (r reader) ListGrants(ctx context.Context, afterID int64, limit int) ([]*domain.PlanGrant, error) {
	q := r.db.WithContext(ctx).Where("id > ?", afterID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []sqlPlanGrant
	err := q.Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return toGrants(rows), nil
}

func (r reader) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	var b sqlBooking
	if err := r.findOne(ctx, &b, false, "id = ?", id); err != nil {
		return nil, err
	}
	return toBooking(&b), nil
}

func (r reader) listBookings(ctx context.Context, column string, id int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	q := r.db.WithContext(ctx).Where(column+" = ?", id)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []sqlBooking
	if err := q.Order("booked_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, translateErr(err)
	}
	out := make([]*domain.Booking, 0, len(rows))
	for i := range rows {
		out = append(out, toBooking(&rows[i]))
	}
	return out, nil
}

func (r reader) ListMemberBookings(ctx context.Context, memberID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.listBookings(ctx, "member_id", memberID, status)
}

func (r reader) ListGrantBookings(ctx context.Context, grantID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.listBookings(ctx, "plan_grant_id", grantID, status)
}

func (r reader) ListSessionBookings(ctx context.Context, sessionID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.listBookings(ctx, "session_id", sessionID, status)
}

func (r reader) CountActiveBookings(ctx context.Context, sessionID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&sqlBooking{}).
		Where("session_id = ? AND status = ?", sessionID, string(domain.BookingStatusActive)).
		Count(&n).Error
	return n, translateErr(err)
}

func (r reader) ListLedgerEntries(ctx context.Context, grantID int64) ([]*domain.LedgerEntry, error) {
	var rows []sqlLedgerEntry
	err := r.db.WithContext(ctx).
		Where("plan_grant_id = ?", grantID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]*domain.LedgerEntry, 0, len(rows))
	for i := range rows {
		out = append(out, toEntry(&rows[i]))
	}
	return out, nil
}

// txStore 交易內的讀寫
type txStore struct {
	reader
}

func (t *txStore) CreateMember(ctx context.Context, m *domain.Member) error {
	row := sqlMember{ExternalID: m.ExternalID, CreatedAt: m.CreatedAt.UTC()}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translateErr(err)
	}
	m.ID = row.ID
	return nil
}

func (t *txStore) CreateSession(ctx context.Context, s *domain.Session) error {
	row := fromSession(s)
	row.ID = 0
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateErr(err)
	}
	s.ID = row.ID
	return nil
}

func (t *txStore) LockSession(ctx context.Context, id int64) (*domain.Session, error) {
	var s sqlSession
	if err := t.findOne(ctx, &s, true, "id = ?", id); err != nil {
		return nil, err
	}
	return toSession(&s), nil
}

// SaveSession 條件更新 (id + version)，版本不符回傳 domain.ErrConflict
func (t *txStore) SaveSession(ctx context.Context, s *domain.Session) error {
	res := t.db.WithContext(ctx).Model(&sqlSession{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]any{
			"spots_taken": s.SpotsTaken,
			"status":      string(s.Status),
			"version":     s.Version + 1,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %d version %d", domain.ErrConflict, s.ID, s.Version)
	}
	s.Version++
	return nil
}

func (t *txStore) CreateGrant(ctx context.Context, g *domain.PlanGrant) error {
	row := fromGrant(g)
	row.ID = 0
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateErr(err)
	}
	g.ID = row.ID
	return nil
}

func (t *txStore) LockGrant(ctx context.Context, id int64) (*domain.PlanGrant, error) {
	var g sqlPlanGrant
	if err := t.findOne(ctx, &g, true, "id = ?", id); err != nil {
		return nil, err
	}
	return toGrant(&g), nil
}

func (t *txStore) LockMemberGrants(ctx context.Context, memberID int64) ([]*domain.PlanGrant, error) {
	var rows []sqlPlanGrant
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("member_id = ? AND status = ?", memberID, string(domain.GrantStatusActive)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return toGrants(rows), nil
}

// SaveGrant 條件更新 (id + version)，版本不符回傳 domain.ErrConflict
func (t *txStore) SaveGrant(ctx context.Context, g *domain.PlanGrant) error {
	res := t.db.WithContext(ctx).Model(&sqlPlanGrant{}).
		Where("id = ? AND version = ?", g.ID, g.Version).
		Updates(map[string]any{
			"remaining_credits": g.RemainingCredits,
			"status":            string(g.Status),
			"version":           g.Version + 1,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: grant %d version %d", domain.ErrConflict, g.ID, g.Version)
	}
	g.Version++
	return nil
}

func (t *txStore) FindActiveBooking(ctx context.Context, memberID, sessionID int64) (*domain.Booking, error) {
	var b sqlBooking
	err := t.findOne(ctx, &b, false, "member_id = ? AND session_id = ? AND status = ?",
		memberID, sessionID, string(domain.BookingStatusActive))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toBooking(&b), nil
}

func (t *txStore) LockBooking(ctx context.Context, id string) (*domain.Booking, error) {
	var b sqlBooking
	if err := t.findOne(ctx, &b, true, "id = ?", id); err != nil {
		return nil, err
	}
	return toBooking(&b), nil
}

func (t *txStore) CreateBooking(ctx context.Context, b *domain.Booking) error {
	return translateErr(t.db.WithContext(ctx).Create(fromBooking(b)).Error)
}

func (t *txStore) SaveBooking(ctx context.Context, b *domain.Booking) error {
	row := fromBooking(b)
	res := t.db.WithContext(ctx).Model(&sqlBooking{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"status":              row.Status,
			"active_key":          row.ActiveKey,
			"cancelled_at":        row.CancelledAt,
			"cancellation_reason": row.CancellationReason,
			"credit_refunded":     row.CreditRefunded,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *txStore) LastLedgerEntry(ctx context.Context, grantID int64) (*domain.LedgerEntry, error) {
	var rows []sqlLedgerEntry
	err := t.db.WithContext(ctx).
		Where("plan_grant_id = ?", grantID).
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toEntry(&rows[0]), nil
}

func (t *txStore) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	row := fromEntry(e)
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateErr(err)
	}
	e.ID = row.ID
	return nil
}

func (t *txStore) MarkEventProcessed(ctx context.Context, eventID, eventKey string, at time.Time) error {
	err := t.db.WithContext(ctx).Create(&sqlProcessedEvent{
		ID:          eventID,
		EventKey:    eventKey,
		ProcessedAt: at.UTC(),
	}).Error
	if err != nil && isDuplicate(err) {
		return domain.ErrEventAlreadyProcessed
	}
	return translateErr(err)
}

func toGrants(rows []sqlPlanGrant) []*domain.PlanGrant {
	out := make([]*domain.PlanGrant, 0, len(rows))
	for i := range rows {
		out = append(out, toGrant(&rows[i]))
	}
	return out
}

// conflictMarkers 各 driver 表示「交易衝突，可重試」的錯誤訊息
var conflictMarkers = []string{
	"deadlock",
	"lock wait timeout",
	"could not serialize",
	"sqlstate 40001",
	"sqlstate 40p01",
	"database is locked",
	"database table is locked",
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

// translateErr 將 driver 錯誤轉為 domain 錯誤；domain 錯誤原樣回傳
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return err
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}

var (
	_ usecase.Store = (*Store)(nil)
	_ usecase.Tx    = (*txStore)(nil)
)
