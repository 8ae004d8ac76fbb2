package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// OtpRepo defines the interface for OTP record repository operations
type OtpRepo interface {
	Replace(ctx context.Context, rec model.OtpRecord) (model.OtpRecord, error)
	Latest(ctx context.Context, phone string, userType model.UserType) (model.OtpRecord, error)
	MarkConsumed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a Postgres-backed OtpRepo
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Replace supersedes every live record for the (phone, userType) pair and inserts rec as the
// new latest one. An advisory lock on the pair serializes concurrent sends.
func (r *otpRepo) Replace(ctx context.Context, rec model.OtpRecord) (model.OtpRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, pairKey(rec.PhoneNumber, rec.UserType))
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("advisory lock: %w", err)
	}

	// unique index: (phone_number, user_type) WHERE superseded_at IS NULL
	_, err = tx.ExecContext(ctx, `
		UPDATE otp_records
		SET superseded_at = now()
		WHERE phone_number = $1 AND user_type = $2 AND superseded_at IS NULL
	`, rec.PhoneNumber, string(rec.UserType))
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("supersede existing records: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO otp_records (id, phone_number, user_type, code_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.PhoneNumber, string(rec.UserType), hex.EncodeToString(rec.CodeHash), rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.OtpRecord{}, fmt.Errorf("commit: %w", err)
	}
	rec.ConsumedAt = nil
	rec.SupersededAt = nil
	return rec, nil
}

// Latest returns the newest non-superseded record for the pair, consumed or not
func (r *otpRepo) Latest(ctx context.Context, phone string, userType model.UserType) (model.OtpRecord, error) {
	var rec model.OtpRecord
	var idStr, userTypeStr, hashHex string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, user_type, code_hash, issued_at, expires_at, consumed_at, superseded_at
		FROM otp_records
		WHERE phone_number = $1 AND user_type = $2 AND superseded_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
	`, phone, string(userType)).Scan(
		&idStr,
		&rec.PhoneNumber,
		&userTypeStr,
		&hashHex,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.ConsumedAt,
		&rec.SupersededAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpRecord{}, ErrNotFound
		}
		return model.OtpRecord{}, fmt.Errorf("query record: %w", err)
	}

	rec.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("parse record ID: %w", err)
	}
	rec.UserType = model.UserType(userTypeStr)
	rec.CodeHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("decode code_hash: %w", err)
	}
	return rec, nil
}

// MarkConsumed consumes the record only if it is still live. Zero affected rows means another
// request won the race (or superseded it) and is reported as ErrNotFound.
func (r *otpRepo) MarkConsumed(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_records SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL AND superseded_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a single record by id (rollback after failed delivery)
func (r *otpRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM otp_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func pairKey(phone string, userType model.UserType) string {
	return phone + "|" + string(userType)
}
