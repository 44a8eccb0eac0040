package domain

import (
	"sort"
	"time"
)

// GrantStatus 方案狀態
type GrantStatus string

const (
	GrantStatusActive GrantStatus = "active"
	// GrantStatusExpired 不會寫入資料庫，只由 EffectiveStatus 推導
	GrantStatusExpired   GrantStatus = "expired"
	GrantStatusCancelled GrantStatus = "cancelled"
)

// PlanGrant 會員購買的點數方案 (Balance Holder)
//
// RemainingCredits 只是帳本的快取投影：
//
//	RemainingCredits == InitialCredits + Σcredit - Σdebit
//
// 只能在寫入 LedgerEntry 的同一個交易內更新
type PlanGrant struct {
	ID               int64
	MemberID         int64
	InitialCredits   int64
	RemainingCredits int64
	IsUnlimited      bool
	// StartDate, EndDate: 有效日期 (UTC 00:00)，EndDate 當天仍可使用
	StartDate time.Time
	EndDate   time.Time
	Status    GrantStatus
	// Version: 樂觀鎖版本號
	Version   int64
	CreatedAt time.Time
}

// NewPlanGrant 建立新方案
//
// 參數:
//
//	memberID: 會員 ID
//	credits: 點數 (無限方案可為 0)
//	durationDays: 有效天數 (含購買當天)
//	isUnlimited: 是否為無限方案
//	now: 購買時間
func NewPlanGrant(memberID, credits int64, durationDays int, isUnlimited bool, now time.Time) (*PlanGrant, error) {
	if memberID <= 0 || durationDays <= 0 || credits < 0 {
		return nil, ErrInvalidArgument
	}
	if !isUnlimited && credits == 0 {
		return nil, ErrInvalidArgument
	}
	start := DateOf(now)
	return &PlanGrant{
		MemberID:         memberID,
		InitialCredits:   credits,
		RemainingCredits: credits,
		IsUnlimited:      isUnlimited,
		StartDate:        start,
		EndDate:          start.AddDate(0, 0, durationDays-1),
		Status:           GrantStatusActive,
		CreatedAt:        now.UTC(),
	}, nil
}

// DateOf 取 UTC 日期 (00:00:00)
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EffectiveStatus expired 是被動狀態，由 EndDate 推導
func (g *PlanGrant) EffectiveStatus(at time.Time) GrantStatus {
	if g.Status == GrantStatusActive && g.EndDate.Before(DateOf(at)) {
		return GrantStatusExpired
	}
	return g.Status
}

// IsEligible 是否可以拿來扣點
func (g *PlanGrant) IsEligible(at time.Time) bool {
	if g.EffectiveStatus(at) != GrantStatusActive {
		return false
	}
	if !g.StartDate.IsZero() && DateOf(at).Before(g.StartDate) {
		return false
	}
	return g.IsUnlimited || g.RemainingCredits >= 1
}

// SelectGrant 從多個方案中挑選要扣點的方案
// 規則: 最快到期的優先 (減少浪費)，同日到期則較早建立的優先
// 沒有符合的回傳 nil
func SelectGrant(grants []*PlanGrant, at time.Time) *PlanGrant {
	eligible := make([]*PlanGrant, 0, len(grants))
	for _, g := range grants {
		if g.IsEligible(at) {
			eligible = append(eligible, g)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].EndDate.Equal(eligible[j].EndDate) {
			return eligible[i].EndDate.Before(eligible[j].EndDate)
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}
