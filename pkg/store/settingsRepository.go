package store

import (
	"context"
	"errors"

	"github.com/zoff-tech/settings-relay/schema"
)

var (
	// ErrNotFound means no settings record exists for the nickname.
	ErrNotFound = errors.New("settings record not found")
	// ErrAlreadyExists means a record for the nickname is already present.
	ErrAlreadyExists = errors.New("settings record already exists")
	// ErrStaleVersion means a versioned update matched no row, i.e. the
	// stored version is already at or past the proposed one.
	ErrStaleVersion = errors.New("outdated settings version")
)

// Record is a user's versioned settings entry. Nickname is the immutable
// identity; Version only ever increases.
type Record struct {
	Nickname string              `json:"nickname" bson:"_id"`
	Settings schema.UserSettings `json:"settings" bson:"settings"`
	Version  int                 `json:"version" bson:"version"`
}

// SettingsRepository defines the store operations the reconciliation engine
// depends on.
type SettingsRepository interface {
	// Get fetches the record for a nickname, or ErrNotFound.
	Get(ctx context.Context, nickname string) (*Record, error)
	// Insert creates the record if absent; ErrAlreadyExists otherwise. The
	// uniqueness guarantee lives here, not in any prior existence check.
	Insert(ctx context.Context, record *Record) error
	// UpdateVersioned replaces the settings blob and bumps the version in one
	// write, guarded so it only applies when version is strictly greater than
	// the stored one; ErrStaleVersion otherwise.
	UpdateVersioned(ctx context.Context, nickname string, settings schema.UserSettings, version int) error
	// Scan returns up to limit records with nickname > afterNickname, ordered
	// by nickname ascending. An empty afterNickname starts from the beginning.
	Scan(ctx context.Context, afterNickname string, limit int) ([]Record, error)
}
