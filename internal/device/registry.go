// Package device implements the device registry that backs Gate Q1.
package device

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// Status is the lifecycle state of a device. Transitions are ACTIVE -> REVOKED only.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// fingerprintDomain separates device key fingerprints from other hashes.
const fingerprintDomain = "quadran/device-key/v1"

// Record is a persisted device identity.
type Record struct {
	DeviceID     string    `json:"deviceId"`
	PublicKey    string    `json:"publicKey"`
	Attestation  []byte    `json:"attestation,omitempty"`
	Signature    []byte    `json:"signature,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastSeen     time.Time `json:"lastSeen"`
	NonceCounter int64     `json:"nonceCounter"`
}

// Active reports whether the device may authenticate.
func (r Record) Active() bool {
	return r.Status == StatusActive
}

// Registry persists device records in the shared store.
//
// Thread-safety: safe for concurrent use. Revoke and Validate race with
// last-writer-wins semantics, except that a revoked device is never made
// active again (the validate touch is guarded on status='ACTIVE').
type Registry struct {
	st  *store.Store
	now func() time.Time
}

// NewRegistry creates a registry. A nil now defaults to time.Now.
func NewRegistry(st *store.Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{st: st, now: now}
}

// Register inserts a new ACTIVE device.
// Fails with AlreadyExists if the device ID is taken.
func (r *Registry) Register(ctx context.Context, deviceID, publicKey string, attestation, signature []byte) (Record, error) {
	deviceID = strings.TrimSpace(deviceID)
	publicKey = strings.TrimSpace(publicKey)
	if deviceID == "" || publicKey == "" {
		return Record{}, verdict.New(verdict.ReasonMissingCredentials, "device id and public key are required")
	}

	now := r.now().UTC()
	res, err := r.st.DB().ExecContext(ctx, `
		INSERT INTO devices
		(device_id, public_key, attestation, signature, status, created_at, last_seen, nonce_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id) DO NOTHING
	`,
		deviceID,
		publicKey,
		attestation,
		signature,
		string(StatusActive),
		store.Millis(now),
		store.Millis(now),
	)
	if err != nil {
		return Record{}, fmt.Errorf("register device: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("register device: rows affected: %w", err)
	}
	if n == 0 {
		return Record{}, verdict.New(verdict.ReasonAlreadyExists, "device %s already registered", deviceID)
	}

	return Record{
		DeviceID:    deviceID,
		PublicKey:   publicKey,
		Attestation: attestation,
		Signature:   signature,
		Status:      StatusActive,
		CreatedAt:   store.FromMillis(store.Millis(now)),
		LastSeen:    store.FromMillis(store.Millis(now)),
	}, nil
}

// Get returns the record without touching it.
func (r *Registry) Get(ctx context.Context, deviceID string) (Record, error) {
	row := r.st.DB().QueryRowContext(ctx, `
		SELECT device_id, public_key, attestation, signature, status, created_at, last_seen, nonce_counter
		FROM devices WHERE device_id = ?
	`, deviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, verdict.New(verdict.ReasonNotFound, "device %s is not registered", deviceID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get device: %w", err)
	}
	return rec, nil
}

// Validate checks that the device exists and is active, then records the
// sighting (lastSeen, nonceCounter) and returns the updated record.
func (r *Registry) Validate(ctx context.Context, deviceID string) (Record, error) {
	now := r.now().UTC()
	res, err := r.st.DB().ExecContext(ctx, `
		UPDATE devices
		SET last_seen = ?, nonce_counter = nonce_counter + 1
		WHERE device_id = ? AND status = 'ACTIVE'
	`, store.Millis(now), deviceID)
	if err != nil {
		return Record{}, fmt.Errorf("validate device: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("validate device: rows affected: %w", err)
	}

	rec, err := r.Get(ctx, deviceID)
	if err != nil {
		return Record{}, err
	}
	if n == 0 || !rec.Active() {
		return Record{}, verdict.New(verdict.ReasonRevoked, "device %s is revoked", deviceID)
	}
	return rec, nil
}

// Revoke permanently revokes a device. Revoking a revoked device is a no-op.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	res, err := r.st.DB().ExecContext(ctx, `
		UPDATE devices SET status = 'REVOKED' WHERE device_id = ?
	`, deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke device: rows affected: %w", err)
	}
	if n == 0 {
		return verdict.New(verdict.ReasonNotFound, "device %s is not registered", deviceID)
	}
	return nil
}

// List returns all devices ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.st.DB().QueryContext(ctx, `
		SELECT device_id, public_key, attestation, signature, status, created_at, last_seen, nonce_counter
		FROM devices
		ORDER BY created_at ASC, device_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return records, nil
}

// Fingerprint returns a domain-separated SHA-256 of a public key, hex encoded.
// Format: SHA256(domain + 0x00 + key)
func Fingerprint(publicKey string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(publicKey))
	return hex.EncodeToString(h.Sum(nil))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		status    string
		createdAt int64
		lastSeen  int64
	)
	if err := row.Scan(
		&rec.DeviceID,
		&rec.PublicKey,
		&rec.Attestation,
		&rec.Signature,
		&status,
		&createdAt,
		&lastSeen,
		&rec.NonceCounter,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = store.FromMillis(createdAt)
	rec.LastSeen = store.FromMillis(lastSeen)
	return rec, nil
}
