package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
)

// appendLedger 寫入一筆分錄並同步更新方案的快取餘額
// 必須在 WithinTx 內、且 grant 已被 LockGrant / LockMemberGrants 鎖定時呼叫
//
// 寫入前先比對最後一筆分錄的 BalanceAfter 與快取餘額，不一致即回傳
// domain.ErrIntegrityFault，整個交易 rollback，不做自動修正
//
// 參數:
//
//	tx: 交易
//	grant: 已鎖定的方案 (會被修改)
//	t: 分錄類型
//	amount: 點數
//	ref: 分錄來源
//	now: 時間
//
// 回傳:
//
//	*domain.LedgerEntry: 已寫入的分錄
//	error: 錯誤
func appendLedger(ctx context.Context, tx Tx, grant *domain.PlanGrant, t domain.EntryType, amount int64, ref domain.Reference, now time.Time) (*domain.LedgerEntry, error) {
	last, err := tx.LastLedgerEntry(ctx, grant.ID)
	if err != nil {
		return nil, err
	}
	projected := grant.InitialCredits
	if last != nil {
		projected = last.BalanceAfter
	}
	if projected != grant.RemainingCredits {
		return nil, fmt.Errorf("%w: grant %d cached remaining=%d, ledger=%d",
			domain.ErrIntegrityFault, grant.ID, grant.RemainingCredits, projected)
	}

	entry, err := grant.Post(t, amount, ref, now)
	if err != nil {
		return nil, err
	}
	if err := tx.SaveGrant(ctx, grant); err != nil {
		return nil, err
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
