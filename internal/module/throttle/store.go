package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RedemptionCode is the durable record behind a limited-use code. UsedUses
// is maintained by asynchronous write-back, so it can lag the cached
// counter by up to one flush interval.
type RedemptionCode struct {
	Code      string     `gorm:"primaryKey;size:64" json:"code"`
	TotalUses int64      `gorm:"not null" json:"total_uses"`
	UsedUses  int64      `gorm:"not null;default:0" json:"used_uses"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the table name for RedemptionCode.
func (RedemptionCode) TableName() string {
	return "redemption_codes"
}

// Remaining returns the durable remaining-use count, floored at zero.
func (c *RedemptionCode) Remaining() int64 {
	remaining := c.TotalUses - c.UsedUses
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the code is past its expiry, if it has one.
func (c *RedemptionCode) Expired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// CodeStore implements Store on the redemption_codes table.
type CodeStore struct {
	db *gorm.DB
}

// NewCodeStore creates a new durable code store.
func NewCodeStore(db *gorm.DB) *CodeStore {
	return &CodeStore{db: db}
}

// RemainingUses returns the durable remaining-use count for key. An unknown
// or expired code has zero uses.
func (s *CodeStore) RemainingUses(ctx context.Context, key string) (int64, error) {
	code, err := s.get(ctx, key)
	if err != nil {
		return 0, err
	}
	if code == nil || code.Expired() {
		return 0, nil
	}
	return code.Remaining(), nil
}

// RecordUsage applies a consumed-use delta durably. A zero-row update is
// an error so the caller keeps the delta pending instead of dropping it.
func (s *CodeStore) RecordUsage(ctx context.Context, key string, delta int64) error {
	res := s.db.WithContext(ctx).
		Model(&RedemptionCode{}).
		Where("code = ?", key).
		Update("used_uses", gorm.Expr("used_uses + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record usage: unknown code %q", key)
	}
	return nil
}

// Validate reports whether the code exists, has not expired and still has
// uses left.
func (s *CodeStore) Validate(ctx context.Context, key string) (bool, error) {
	code, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	if code == nil || code.Expired() {
		return false, nil
	}
	return code.Remaining() > 0, nil
}

func (s *CodeStore) get(ctx context.Context, key string) (*RedemptionCode, error) {
	var code RedemptionCode
	err := s.db.WithContext(ctx).First(&code, "code = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &code, nil
}

var _ Store = (*CodeStore)(nil)
