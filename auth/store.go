package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReauthReason explains why an account needs manual re-authentication.
type ReauthReason string

const (
	ReauthSmsRequired        ReauthReason = "sms_required"
	ReauthInvalidCredentials ReauthReason = "invalid_credentials"
	ReauthCredentialsMissing ReauthReason = "credentials_missing"
)

// ErrNoSession means no persisted session exists for the account.
var ErrNoSession = errors.New("no session stored")

// SessionStore persists encrypted session blobs plus the plaintext
// needs_reauth flags. Callers outside the auth core read sessions only
// through the Manager, never through the store directly.
type SessionStore interface {
	Save(ctx context.Context, accountID string, s *Session) error
	Load(ctx context.Context, accountID string) (*Session, error)
	MarkNeedsReauth(ctx context.Context, accountID string, reason ReauthReason) error
	ClearNeedsReauth(ctx context.Context, accountID string) error
}

// StoreRecord is the persisted row: an opaque sealed blob and the reauth
// flags the surrounding product reads to prompt remediation.
type StoreRecord struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID    string `gorm:"uniqueIndex"`
	SessionBlob  []byte
	NeedsReauth  bool
	ReauthReason string
}

// GormSessionStore is the production SessionStore.
type GormSessionStore struct {
	db     *gorm.DB
	crypto *Crypto
}

func NewGormSessionStore(db *gorm.DB, crypto *Crypto) *GormSessionStore {
	return &GormSessionStore{db: db, crypto: crypto}
}

func (s *GormSessionStore) MigrateDatabase() error {
	return s.db.AutoMigrate(&StoreRecord{})
}

func (s *GormSessionStore) Save(ctx context.Context, accountID string, sess *Session) error {
	sess.Version = SessionVersion
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	sealed, err := s.crypto.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	rec := StoreRecord{
		AccountID:   accountID,
		SessionBlob: sealed,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_blob", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormSessionStore) Load(ctx context.Context, accountID string) (*Session, error) {
	var rec StoreRecord
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if len(rec.SessionBlob) == 0 {
		return nil, ErrNoSession
	}
	plaintext, err := s.crypto.Open(rec.SessionBlob)
	if err != nil {
		return nil, fmt.Errorf("opening session blob: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *GormSessionStore) MarkNeedsReauth(ctx context.Context, accountID string, reason ReauthReason) error {
	rec := StoreRecord{
		AccountID:    accountID,
		NeedsReauth:  true,
		ReauthReason: string(reason),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"needs_reauth", "reauth_reason", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormSessionStore) ClearNeedsReauth(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Model(&StoreRecord{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"needs_reauth": false, "reauth_reason": ""}).Error
}

var _ SessionStore = (*GormSessionStore)(nil)
