package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

// MutexStore 是一個使用 Mutex 實現的 usecase.Store (單一程序、不持久化)
//
// 結構:
//
//	mu: 寫入交易互斥，讀取共享
//	state: 已 commit 的資料
//
// WithinTx 取得寫鎖後複製一份 state 給交易使用，fn 成功才替換，
// 失敗時直接丟棄複本 (等同 rollback)
type MutexStore struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	members     map[int64]domain.Member
	externalIDs map[string]int64
	sessions    map[int64]domain.Session
	grants      map[int64]domain.PlanGrant
	bookings    map[string]domain.Booking
	// entries 依方案分組，保持寫入順序
	entries map[int64][]domain.LedgerEntry
	events  map[string]time.Time

	lastMemberID  int64
	lastSessionID int64
	lastGrantID   int64
	lastEntryID   int64
}

func newState() *state {
	return &state{
		members:     make(map[int64]domain.Member),
		externalIDs: make(map[string]int64),
		sessions:    make(map[int64]domain.Session),
		grants:      make(map[int64]domain.PlanGrant),
		bookings:    make(map[string]domain.Booking),
		entries:     make(map[int64][]domain.LedgerEntry),
		events:      make(map[string]time.Time),
	}
}

func (s *state) clone() *state {
	entries := make(map[int64][]domain.LedgerEntry, len(s.entries))
	for id, list := range s.entries {
		entries[id] = slices.Clone(list)
	}
	return &state{
		members:       maps.Clone(s.members),
		externalIDs:   maps.Clone(s.externalIDs),
		sessions:      maps.Clone(s.sessions),
		grants:        maps.Clone(s.grants),
		bookings:      maps.Clone(s.bookings),
		entries:       entries,
		events:        maps.Clone(s.events),
		lastMemberID:  s.lastMemberID,
		lastSessionID: s.lastSessionID,
		lastGrantID:   s.lastGrantID,
		lastEntryID:   s.lastEntryID,
	}
}

// NewMutexStore 建立一個空的 MutexStore
func NewMutexStore() *MutexStore {
	return &MutexStore{state: newState()}
}

// WithinTx 序列化所有寫入交易
func (m *MutexStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx usecase.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &txView{reader: reader{st: work}}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// snapshot 交易外的讀取使用目前已 commit 的 state
// commit 後的 state 不再被修改 (交易只寫複本)，釋放讀鎖後仍可安全讀取
func (m *MutexStore) snapshot() reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reader{st: m.state}
}

func (m *MutexStore) GetMember(ctx context.Context, id int64) (*domain.Member, error) {
	return m.snapshot().GetMember(ctx, id)
}

func (m *MutexStore) GetMemberByExternalID(ctx context.Context, externalID string) (*domain.Member, error) {
	return m.snapshot().GetMemberByExternalID(ctx, externalID)
}

func (m *MutexStore) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	return m.snapshot().GetSession(ctx, id)
}

func (m *MutexStore) ListSessions(ctx context.Context, f usecase.SessionFilter) ([]*domain.Session, error) {
	return m.snapshot().ListSessions(ctx, f)
}

func (m *MutexStore) GetGrant(ctx context.Context, id int64) (*domain.PlanGrant, error) {
	return m.snapshot().GetGrant(ctx, id)
}

func (m *MutexStore) ListMemberGrants(ctx context.Context, memberID int64) ([]*domain.PlanGrant, error) {
	return m.snapshot().ListMemberGrants(ctx, memberID)
}

func (m *MutexStore) ListGrants(ctx context.Context, afterID int64, limit int) ([]*domain.PlanGrant, error) {
	return m.snapshot().ListGrants(ctx, afterID, limit)
}

func (m *MutexStore) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return m.snapshot().GetBooking(ctx, id)
}

func (m *MutexStore) ListMemberBookings(ctx context.Context, memberID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return m.snapshot().ListMemberBookings(ctx, memberID, status)
}

func (m *MutexStore) ListGrantBookings(ctx context.Context, grantID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return m.snapshot().ListGrantBookings(ctx, grantID, status)
}

func (m *MutexStore) ListSessionBookings(ctx context.Context, sessionID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return m.snapshot().ListSessionBookings(ctx, sessionID, status)
}

func (m *MutexStore) CountActiveBookings(ctx context.Context, sessionID int64) (int64, error) {
	return m.snapshot().CountActiveBookings(ctx, sessionID)
}

func (m *MutexStore) ListLedgerEntries(ctx context.Context, grantID int64) ([]*domain.LedgerEntry, error) {
	return m.snapshot().ListLedgerEntries(ctx, grantID)
}

// reader 對某一份 state 的唯讀查詢，回傳值都是複本
type reader struct {
	st *state
}

func (r reader) GetMember(_ context.Context, id int64) (*domain.Member, error) {
	m, ok := r.st.members[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (r reader) GetMemberByExternalID(ctx context.Context, externalID string) (*domain.Member, error) {
	id, ok := r.st.externalIDs[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.GetMember(ctx, id)
}

func (r reader) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	s, ok := r.st.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r reader) ListSessions(_ context.Context, f usecase.SessionFilter) ([]*domain.Session, error) {
	out := make([]*domain.Session, 0)
	for _, s := range r.st.sessions {
		if !f.From.IsZero() && s.StartsAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !s.StartsAt.Before(f.To) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
			continue
		}
		if f.OrderByID && s.ID <= f.AfterID {
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !f.OrderByID && !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r reader) GetGrant(_ context.Context, id int64) (*domain.PlanGrant, error) {
	g, ok := r.st.grants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &g, nil
}

func (r reader) ListMemberGrants(_ context.Context, memberID int64) ([]*domain.PlanGrant, error) {
	out := r.grantsWhere(func(g *domain.PlanGrant) bool { return g.MemberID == memberID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].EndDate.Before(out[j].EndDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r reader) ListGrants(_ context.Context, afterID int64, limit int) ([]*domain.PlanGrant, error) {
	out := r.grantsWhere(func(g *domain.PlanGrant) bool { return g.ID > afterID })
	sortGrantsByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r reader) grantsWhere(keep func(*domain.PlanGrant) bool) []*domain.PlanGrant {
	out := make([]*domain.PlanGrant, 0)
	for _, g := range r.st.grants {
		if keep(&g) {
			out = append(out, &g)
		}
	}
	return out
}

func sortGrantsByID(grants []*domain.PlanGrant) {
	sort.Slice(grants, func(i, j int) bool { return grants[i].ID < grants[j].ID })
}

func (r reader) GetBooking(_ context.Context, id string) (*domain.Booking, error) {
	b, ok := r.st.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (r reader) bookingsWhere(keep func(*domain.Booking) bool, status domain.BookingStatus) []*domain.Booking {
	out := make([]*domain.Booking, 0)
	for _, b := range r.st.bookings {
		if status != "" && b.Status != status {
			continue
		}
		if keep(&b) {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].BookedAt.Before(out[j].BookedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r reader) ListMemberBookings(_ context.Context, memberID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.bookingsWhere(func(b *domain.Booking) bool { return b.MemberID == memberID }, status), nil
}

func (r reader) ListGrantBookings(_ context.Context, grantID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.bookingsWhere(func(b *domain.Booking) bool { return b.PlanGrantID == grantID }, status), nil
}

func (r reader) ListSessionBookings(_ context.Context, sessionID int64, status domain.BookingStatus) ([]*domain.Booking, error) {
	return r.bookingsWhere(func(b *domain.Booking) bool { return b.SessionID == sessionID }, status), nil
}

func (r reader) CountActiveBookings(ctx context.Context, sessionID int64) (int64, error) {
	list, _ := r.ListSessionBookings(ctx, sessionID, domain.BookingStatusActive)
	return int64(len(list)), nil
}

func (r reader) ListLedgerEntries(_ context.Context, grantID int64) ([]*domain.LedgerEntry, error) {
	list := r.st.entries[grantID]
	out := make([]*domain.LedgerEntry, 0, len(list))
	for i := range list {
		e := list[i]
		out = append(out, &e)
	}
	return out, nil
}

// txView 交易內的讀寫，直接修改交易複本
// 寫鎖由 WithinTx 持有，Lock* 不需要另外加鎖
type txView struct {
	reader
}

func (t *txView) CreateMember(_ context.Context, m *domain.Member) error {
	if _, ok := t.st.externalIDs[m.ExternalID]; ok {
		return fmt.Errorf("%w: duplicate external id %q", domain.ErrConflict, m.ExternalID)
	}
	t.st.lastMemberID++
	m.ID = t.st.lastMemberID
	t.st.members[m.ID] = *m
	t.st.externalIDs[m.ExternalID] = m.ID
	return nil
}

func (t *txView) CreateSession(_ context.Context, s *domain.Session) error {
	t.st.lastSessionID++
	s.ID = t.st.lastSessionID
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *txView) LockSession(ctx context.Context, id int64) (*domain.Session, error) {
	return t.GetSession(ctx, id)
}

func (t *txView) SaveSession(_ context.Context, s *domain.Session) error {
	cur, ok := t.st.sessions[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != s.Version {
		return fmt.Errorf("%w: session %d version %d", domain.ErrConflict, s.ID, s.Version)
	}
	s.Version++
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *txView) CreateGrant(_ context.Context, g *domain.PlanGrant) error {
	t.st.lastGrantID++
	g.ID = t.st.lastGrantID
	t.st.grants[g.ID] = *g
	return nil
}

func (t *txView) LockGrant(ctx context.Context, id int64) (*domain.PlanGrant, error) {
	return t.GetGrant(ctx, id)
}

func (t *txView) LockMemberGrants(_ context.Context, memberID int64) ([]*domain.PlanGrant, error) {
	out := t.grantsWhere(func(g *domain.PlanGrant) bool {
		return g.MemberID == memberID && g.Status == domain.GrantStatusActive
	})
	sortGrantsByID(out)
	return out, nil
}

func (t *txView) SaveGrant(_ context.Context, g *domain.PlanGrant) error {
	cur, ok := t.st.grants[g.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != g.Version {
		return fmt.Errorf("%w: grant %d version %d", domain.ErrConflict, g.ID, g.Version)
	}
	g.Version++
	t.st.grants[g.ID] = *g
	return nil
}

func (t *txView) FindActiveBooking(_ context.Context, memberID, sessionID int64) (*domain.Booking, error) {
	for _, b := range t.st.bookings {
		if b.MemberID == memberID && b.SessionID == sessionID && b.Status == domain.BookingStatusActive {
			return &b, nil
		}
	}
	return nil, nil
}

func (t *txView) LockBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return t.GetBooking(ctx, id)
}

func (t *txView) CreateBooking(ctx context.Context, b *domain.Booking) error {
	if _, ok := t.st.bookings[b.ID]; ok {
		return fmt.Errorf("%w: duplicate booking id %s", domain.ErrConflict, b.ID)
	}
	if b.Status == domain.BookingStatusActive {
		existing, _ := t.FindActiveBooking(ctx, b.MemberID, b.SessionID)
		if existing != nil {
			return fmt.Errorf("%w: active booking exists for member %d session %d", domain.ErrConflict, b.MemberID, b.SessionID)
		}
	}
	t.st.bookings[b.ID] = *b
	return nil
}

func (t *txView) SaveBooking(_ context.Context, b *domain.Booking) error {
	if _, ok := t.st.bookings[b.ID]; !ok {
		return domain.ErrNotFound
	}
	t.st.bookings[b.ID] = *b
	return nil
}

func (t *txView) LastLedgerEntry(_ context.Context, grantID int64) (*domain.LedgerEntry, error) {
	list := t.st.entries[grantID]
	if len(list) == 0 {
		return nil, nil
	}
	e := list[len(list)-1]
	return &e, nil
}

func (t *txView) AppendLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	t.st.lastEntryID++
	e.ID = t.st.lastEntryID
	t.st.entries[e.PlanGrantID] = append(t.st.entries[e.PlanGrantID], *e)
	return nil
}

func (t *txView) MarkEventProcessed(_ context.Context, eventID, _ string, at time.Time) error {
	if _, ok := t.st.events[eventID]; ok {
		return domain.ErrEventAlreadyProcessed
	}
	t.st.events[eventID] = at
	return nil
}

var (
	_ usecase.Store = (*MutexStore)(nil)
	_ usecase.Tx    = (*txView)(nil)
)
