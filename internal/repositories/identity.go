package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/keyring"
)

// gormIdentityRepository is the GORM implementation of IdentityRepository.
// When the ring holds at least one key, HMAC keys are sealed with the ring's
// default key before hitting the database and opened again on every read.
// With an empty ring keys are stored as plaintext and key_id stays "".
type gormIdentityRepository struct {
	db   *gorm.DB
	ring *keyring.Ring
}

// NewIdentityRepository returns an IdentityRepository backed by the provided
// *gorm.DB. The ring must not be nil; pass an empty ring to store keys
// unencrypted.
func NewIdentityRepository(db *gorm.DB, ring *keyring.Ring) IdentityRepository {
	return &gormIdentityRepository{db: db, ring: ring}
}

// seal replaces the plaintext HMAC key on the row with its encrypted form
// and records which ring key produced it. No-op when the ring is empty.
func (r *gormIdentityRepository) seal(identity *db.Identity) error {
	if r.ring.Empty() {
		identity.KeyID = ""
		identity.KeyAlgorithm = ""
		return nil
	}
	ct, keyID, err := r.ring.Encrypt([]byte(identity.HMACKey))
	if err != nil {
		return fmt.Errorf("seal hmac key: %w", err)
	}
	identity.HMACKey = ct
	identity.KeyID = keyID
	identity.KeyAlgorithm = r.ring.Algorithm(keyID)
	return nil
}

// unseal restores the plaintext HMAC key on a row loaded from the database.
// Rows written before encryption was enabled (key_id "") pass through
// unchanged.
func (r *gormIdentityRepository) unseal(identity *db.Identity) error {
	if identity.KeyID == "" {
		return nil
	}
	if r.ring.Empty() {
		return fmt.Errorf("identity %s is encrypted but no key ring is configured", identity.ClientID)
	}
	pt, err := r.ring.Decrypt(identity.HMACKey, identity.KeyID)
	if err != nil {
		return fmt.Errorf("unseal hmac key for %s: %w", identity.ClientID, err)
	}
	identity.HMACKey = string(pt)
	return nil
}

// Create inserts a new identity record. Returns ErrConflict if an identity
// with the same client_id already exists.
func (r *gormIdentityRepository) Create(ctx context.Context, identity *db.Identity) error {
	row := *identity
	if err := r.seal(&row); err != nil {
		return fmt.Errorf("identities: create: %w", err)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Identity{}).
			Where("client_id = ?", row.ClientID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("identities: create: %w", err)
	}

	identity.KeyID = row.KeyID
	identity.KeyAlgorithm = row.KeyAlgorithm
	identity.CreatedAt = row.CreatedAt
	identity.UpdatedAt = row.UpdatedAt
	return nil
}

// Get retrieves an identity by client_id with its HMAC key decrypted.
// Returns ErrNotFound if no record exists.
func (r *gormIdentityRepository) Get(ctx context.Context, clientID string) (*db.Identity, error) {
	var identity db.Identity
	err := r.db.WithContext(ctx).First(&identity, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identities: get: %w", err)
	}
	if err := r.unseal(&identity); err != nil {
		return nil, fmt.Errorf("identities: get: %w", err)
	}
	return &identity, nil
}

// Update persists all fields of an existing identity record. The HMAC key on
// the struct is taken as plaintext and re-sealed, so this is also the
// re-encryption primitive used by key rotation.
func (r *gormIdentityRepository) Update(ctx context.Context, identity *db.Identity) error {
	row := *identity
	if err := r.seal(&row); err != nil {
		return fmt.Errorf("identities: update: %w", err)
	}

	result := r.db.WithContext(ctx).Save(&row)
	if result.Error != nil {
		return fmt.Errorf("identities: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	identity.KeyID = row.KeyID
	identity.KeyAlgorithm = row.KeyAlgorithm
	identity.UpdatedAt = row.UpdatedAt
	return nil
}

// Delete removes an identity record.
// Returns ErrNotFound if no record exists.
func (r *gormIdentityRepository) Delete(ctx context.Context, clientID string) error {
	result := r.db.WithContext(ctx).Delete(&db.Identity{}, "client_id = ?", clientID)
	if result.Error != nil {
		return fmt.Errorf("identities: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of identities and the total count, ordered
// by client_id. HMAC keys are decrypted.
func (r *gormIdentityRepository) List(ctx context.Context, opts ListOptions) ([]db.Identity, int64, error) {
	var identities []db.Identity
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Identity{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("identities: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("client_id ASC").
		Find(&identities).Error; err != nil {
		return nil, 0, fmt.Errorf("identities: list: %w", err)
	}

	for i := range identities {
		if err := r.unseal(&identities[i]); err != nil {
			return nil, 0, fmt.Errorf("identities: list: %w", err)
		}
	}
	return identities, total, nil
}

// ListForRotation returns up to limit identities whose stored key is not
// sealed under targetKeyID, oldest client_id first so repeated batches make
// progress. HMAC keys are decrypted; callers re-save through Update to seal
// them under the ring's current default key.
func (r *gormIdentityRepository) ListForRotation(ctx context.Context, targetKeyID string, limit int) ([]db.Identity, error) {
	var identities []db.Identity
	if err := r.db.WithContext(ctx).
		Where("key_id <> ?", targetKeyID).
		Order("client_id ASC").
		Limit(limit).
		Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("identities: list for rotation: %w", err)
	}

	for i := range identities {
		if err := r.unseal(&identities[i]); err != nil {
			return nil, fmt.Errorf("identities: list for rotation: %w", err)
		}
	}
	return identities, nil
}
