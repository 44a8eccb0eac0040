package domain

import "errors"

var (
	// ErrSessionNotAvailable 課程不是 scheduled 狀態 (已結束或已取消)
	ErrSessionNotAvailable = errors.New("session not available")

	// ErrAlreadyBooked 會員在此課程已有 active 預約
	ErrAlreadyBooked = errors.New("already booked")

	// ErrBookingClosed 已超過預約截止時間
	ErrBookingClosed = errors.New("booking closed")

	// ErrSessionFull 名額已滿
	ErrSessionFull = errors.New("session full")

	// ErrNoCreditsAvailable 沒有可扣點的方案
	ErrNoCreditsAvailable = errors.New("no credits available")

	// ErrNotFound 找不到資料 (或資料不屬於該會員)
	ErrNotFound = errors.New("not found")

	// ErrNotCancellable 預約不是 active，無法取消
	ErrNotCancellable = errors.New("not cancellable")

	// ErrCancellationClosed 已超過免費取消時間，取消照常進行但不退點
	ErrCancellationClosed = errors.New("cancellation closed")

	// ErrConflict 交易衝突，重試次數用盡 (可重試)
	ErrConflict = errors.New("conflict")

	// ErrIntegrityFault 帳本與快取餘額不一致，不可自動修正
	ErrIntegrityFault = errors.New("integrity fault")

	// ErrInvalidArgument 參數錯誤
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEventAlreadyProcessed 上游事件已處理過
	ErrEventAlreadyProcessed = errors.New("event already processed")
)

// kinds 錯誤種類名稱，對外 (gRPC / HTTP / MQ) 一律使用這組字串
var kinds = []struct {
	err  error
	name string
}{
	{ErrSessionNotAvailable, "SessionNotAvailable"},
	{ErrAlreadyBooked, "AlreadyBooked"},
	{ErrBookingClosed, "BookingClosed"},
	{ErrSessionFull, "SessionFull"},
	{ErrNoCreditsAvailable, "NoCreditsAvailable"},
	{ErrNotFound, "NotFound"},
	{ErrNotCancellable, "NotCancellable"},
	{ErrCancellationClosed, "CancellationClosed"},
	{ErrConflict, "Conflict"},
	{ErrIntegrityFault, "IntegrityFault"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrEventAlreadyProcessed, "EventAlreadyProcessed"},
}

// KindOf 回傳錯誤種類名稱，無法辨識時回傳 "Internal"
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// ErrorFromKind 是 KindOf 的反向對應，給 client 端還原 sentinel error 使用
func ErrorFromKind(kind string) error {
	for _, k := range kinds {
		if k.name == kind {
			return k.err
		}
	}
	return nil
}

// IsRetryable 只有 Conflict 可以重試，其餘都是確定性的業務拒絕
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
