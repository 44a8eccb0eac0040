package domain

import (
	"strings"
	"time"
)

// Member 會員。ExternalID 是外部身分系統的帳號，建立後不可變更
type Member struct {
	ID         int64
	ExternalID string
	CreatedAt  time.Time
}

func NewMember(externalID string, now time.Time) (*Member, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrInvalidArgument
	}
	return &Member{
		ExternalID: externalID,
		CreatedAt:  now.UTC(),
	}, nil
}
