package gateway

import "time"

// ProviderKey is the at-rest form of a vendor API key. The raw key is never
// persisted: only its SHA-256 hash (integrity probe, dedup) and the
// AES-256-GCM ciphertext are stored.
type ProviderKey struct {
	ID                 string     `gorm:"primaryKey;size:64" json:"id"`
	Provider           string     `gorm:"size:50;not null;index:idx_provider_active" json:"provider"`
	KeyHash            string     `gorm:"size:64;not null" json:"key_hash"`
	EncryptedKeyValue  string     `gorm:"size:1024;not null" json:"encrypted_key_value"`
	IsActive           bool       `gorm:"default:true;index:idx_provider_active" json:"is_active"`
	UsageCount         int64      `gorm:"default:0" json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at"`
	RateLimitPerMinute *int64     `json:"rate_limit_per_minute"`
	RateLimitPerHour   *int64     `json:"rate_limit_per_hour"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (ProviderKey) TableName() string {
	return "provider_key_pools"
}

// CallLog is the append-only record describing one dispatch outcome.
// StatusCode is the concrete upstream status when known, 0 for
// network/timeout/cancelled failures.
type CallLog struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	ModelID       *string   `gorm:"size:100;index" json:"model_id"`
	StatusCode    int64     `gorm:"not null" json:"status_code"`
	TotalDuration int64     `gorm:"not null" json:"total_duration"` // milliseconds
	TokensOutput  int64     `gorm:"not null;default:0" json:"tokens_output"`
	ErrorMessage  *string   `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
}

func (CallLog) TableName() string {
	return "call_logs"
}
