package models

// RateLimitTier is a row overriding or extending the built-in tier policies
// (free, starter, pro, enterprise).
type RateLimitTier struct {
	Name        string `gorm:"primaryKey" json:"name"`
	MaxRequests uint64 `gorm:"not null" json:"max_requests"`
	WindowMs    uint64 `gorm:"not null" json:"window_ms"`
	BurstSize   uint64 `json:"burst_size,omitempty"`
}

func (RateLimitTier) TableName() string {
	return "rate_limit_tiers"
}
