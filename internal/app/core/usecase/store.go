package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// SessionFilter 課程列表條件
type SessionFilter struct {
	// From, To: StartsAt 範圍 [From, To)，零值代表不限
	From time.Time
	To   time.Time
	// Statuses 為空時不限
	Statuses []domain.SessionStatus
	// AfterID, Limit: 分頁 (依 StartsAt, ID 排序時 AfterID 不使用)
	AfterID int64
	Limit   int
	// OrderByID 依 ID 排序 (對帳分頁用)，否則依 StartsAt
	OrderByID bool
}

// Reader 讀取介面。交易外與交易內共用
type Reader interface {
	GetMember(ctx context.Context, id int64) (*domain.Member, error)
	GetMemberByExternalID(ctx context.Context, externalID string) (*domain.Member, error)

	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	GetGrant(ctx context.Context, id int64) (*domain.PlanGrant, error)
	ListMemberGrants(ctx context.Context, memberID int64) ([]*domain.PlanGrant, error)
	// ListGrants 依 ID 遞增分頁
	ListGrants(ctx context.Context, afterID int64, limit int) ([]*domain.PlanGrant, error)

	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	// status 為空字串時不限狀態
	ListMemberBookings(ctx context.Context, memberID int64, status domain.BookingStatus) ([]*domain.Booking, error)
	ListGrantBookings(ctx context.Context, grantID int64, status domain.BookingStatus) ([]*domain.Booking, error)
	ListSessionBookings(ctx context.Context, sessionID int64, status domain.BookingStatus) ([]*domain.Booking, error)
	CountActiveBookings(ctx context.Context, sessionID int64) (int64, error)

	// ListLedgerEntries 依寫入順序回傳
	ListLedgerEntries(ctx context.Context, grantID int64) ([]*domain.LedgerEntry, error)
}

// Tx 交易內的讀寫介面
// Lock* 方法必須鎖定資料列 (或等效機制)，直到交易結束
// Save* 方法必須做樂觀鎖檢查 (version)，失敗時回傳 domain.ErrConflict
type Tx interface {
	Reader

	CreateMember(ctx context.Context, m *domain.Member) error

	CreateSession(ctx context.Context, s *domain.Session) error
	LockSession(ctx context.Context, id int64) (*domain.Session, error)
	SaveSession(ctx context.Context, s *domain.Session) error

	CreateGrant(ctx context.Context, g *domain.PlanGrant) error
	LockGrant(ctx context.Context, id int64) (*domain.PlanGrant, error)
	// LockMemberGrants 鎖定會員所有 status=active 的方案，依 ID 排序
	LockMemberGrants(ctx context.Context, memberID int64) ([]*domain.PlanGrant, error)
	SaveGrant(ctx context.Context, g *domain.PlanGrant) error

	// FindActiveBooking 沒有時回傳 nil, nil
	FindActiveBooking(ctx context.Context, memberID, sessionID int64) (*domain.Booking, error)
	LockBooking(ctx context.Context, id string) (*domain.Booking, error)
	CreateBooking(ctx context.Context, b *domain.Booking) error
	SaveBooking(ctx context.Context, b *domain.Booking) error

	// LastLedgerEntry 沒有時回傳 nil, nil
	LastLedgerEntry(ctx context.Context, grantID int64) (*domain.LedgerEntry, error)
	AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error

	// MarkEventProcessed 已處理過時回傳 domain.ErrEventAlreadyProcessed
	MarkEventProcessed(ctx context.Context, eventID, eventKey string, at time.Time) error
}

// Store 持久層。WithinTx 內的所有讀寫必須是同一個原子交易
// fn 回傳錯誤時整個交易 rollback
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
