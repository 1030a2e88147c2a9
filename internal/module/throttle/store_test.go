package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedemptionCodeRemaining(t *testing.T) {
	assert.Equal(t, int64(3), (&RedemptionCode{TotalUses: 5, UsedUses: 2}).Remaining())
	assert.Equal(t, int64(0), (&RedemptionCode{TotalUses: 5, UsedUses: 5}).Remaining())
	// Write-back lag can briefly overshoot; remaining never goes negative.
	assert.Equal(t, int64(0), (&RedemptionCode{TotalUses: 5, UsedUses: 7}).Remaining())
}

func TestRedemptionCodeExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	assert.False(t, (&RedemptionCode{}).Expired(), "no expiry means never expired")
	assert.False(t, (&RedemptionCode{ExpiresAt: &future}).Expired())
	assert.True(t, (&RedemptionCode{ExpiresAt: &past}).Expired())
}
