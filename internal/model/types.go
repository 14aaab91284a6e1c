package model

import (
	"time"

	"github.com/uptrace/bun"
)

// TokenScope is the kind of retrieval a download token grants.
type TokenScope string

const (
	ScopeSingle TokenScope = "single"
	ScopeAll    TokenScope = "zip_all"
)

// User represents a registered identity
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID          int64     `bun:"id,pk,autoincrement"`
	PhoneNumber string    `bun:"phone_e164,notnull"`
	PinHash     *string   `bun:"pin_hash"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// HasPin reports whether the user configured a PIN in the dashboard.
func (u User) HasPin() bool {
	return u.PinHash != nil && *u.PinHash != ""
}

// File is the metadata of an uploaded blob
type File struct {
	bun.BaseModel `bun:"table:files"`

	ID          int64     `bun:"id,pk,autoincrement"`
	UserID      int64     `bun:"user_id,notnull"`
	StoragePath string    `bun:"storage_path,notnull"`
	BlobSize    int64     `bun:"blob_size,notnull"`
	NameEnc     *string   `bun:"name_enc"`
	MimeEnc     *string   `bun:"mime_enc"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// SessionCreds is the serialized credential blob of a messaging session
type SessionCreds struct {
	bun.BaseModel `bun:"table:wa_sessions"`

	SessionName string    `bun:"session_name,pk"`
	CredsJSON   string    `bun:"creds_json,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// SessionKey is one serialized key entry of a messaging session
type SessionKey struct {
	bun.BaseModel `bun:"table:wa_keys"`

	SessionName string    `bun:"session_name,pk"`
	KeyType     string    `bun:"key_type,pk"`
	KeyID       string    `bun:"key_id,pk"`
	ValueJSON   string    `bun:"value_json,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// UnlockState is the per-user command gate
type UnlockState struct {
	bun.BaseModel `bun:"table:wa_unlocks"`

	UserID     int64      `bun:"user_id,pk"`
	IsUnlocked bool       `bun:"is_unlocked,notnull"`
	UnlockedAt *time.Time `bun:"unlocked_at"`
}

// DownloadToken is a time-limited retrieval capability
type DownloadToken struct {
	bun.BaseModel `bun:"table:download_tokens"`

	Token     string     `bun:"token,pk"`
	UserID    int64      `bun:"user_id,notnull"`
	Kind      TokenScope `bun:"kind,notnull"`
	FileID    *int64     `bun:"file_id"`
	ExpiresAt time.Time  `bun:"expires_at,notnull"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
