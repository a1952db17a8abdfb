package model

import "time"

// MagicLinkToken binds a checkout session to a known user once redeemed.
// Only the SHA-256 hash of the raw token is persisted.
type MagicLinkToken struct {
	ID        uint64     // magic_link_tokens.id
	TokenHash string     // magic_link_tokens.token_hash
	SessionID string     // magic_link_tokens.session_id
	UserID    uint64     // magic_link_tokens.user_id
	ExpiresAt time.Time  // magic_link_tokens.expires_at
	UsedAt    *time.Time // magic_link_tokens.used_at (nullable)
	CreatedAt time.Time  // magic_link_tokens.created_at
}

// UsableAt reports whether the token is unused and not yet expired.
func (t MagicLinkToken) UsableAt(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}
