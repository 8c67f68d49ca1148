package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"infermesh/protocol"
)

// AuditStore persists the payment trail: every challenge, accepted receipt,
// consume outcome, and per-split settlement. The engine writes best-effort;
// the live state machine never reads back from here.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (and initializes) the sqlite file at path.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &AuditStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_requests (
            request_id TEXT PRIMARY KEY,
            payee_type TEXT NOT NULL,
            payee_id TEXT NOT NULL,
            amount_sats INTEGER NOT NULL,
            invoice TEXT,
            payment_hash TEXT,
            expires_at_ms INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS payment_receipts (
            request_id TEXT NOT NULL,
            payee_type TEXT NOT NULL,
            payee_id TEXT NOT NULL,
            amount_sats INTEGER NOT NULL,
            invoice TEXT,
            payment_hash TEXT,
            preimage TEXT,
            settled_at_ms INTEGER,
            accepted_at TIMESTAMP NOT NULL,
            PRIMARY KEY (request_id, payee_type, payee_id)
        );`,
		`CREATE TABLE IF NOT EXISTS consume_outcomes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL,
            first_consume INTEGER NOT NULL,
            occurred_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS settlements (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL,
            payee_type TEXT NOT NULL,
            payee_id TEXT NOT NULL,
            amount_sats INTEGER NOT NULL,
            occurred_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *AuditStore) Close() error { return s.db.Close() }

// RecordChallenge upserts the issued payment request.
func (s *AuditStore) RecordChallenge(ctx context.Context, req *protocol.PaymentRequest) error {
	const stmt = `INSERT OR REPLACE INTO payment_requests(request_id, payee_type, payee_id, amount_sats, invoice, payment_hash, expires_at_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		req.RequestID, string(req.PayeeType), req.PayeeID, req.AmountSats,
		req.Invoice, req.PaymentHash, req.ExpiresAtMs, time.Now().UTC())
	return err
}

// RecordReceipt stores an accepted receipt keyed by its payment key.
func (s *AuditStore) RecordReceipt(ctx context.Context, rcpt *protocol.PaymentReceipt) error {
	const stmt = `INSERT OR REPLACE INTO payment_receipts(request_id, payee_type, payee_id, amount_sats, invoice, payment_hash, preimage, settled_at_ms, accepted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		rcpt.RequestID, string(rcpt.PayeeType), rcpt.PayeeID, rcpt.AmountSats,
		rcpt.Invoice, rcpt.PaymentHash, rcpt.Preimage, rcpt.SettledAtMs, time.Now().UTC())
	return err
}

// RecordConsume logs a consume attempt and whether it was the first.
func (s *AuditStore) RecordConsume(ctx context.Context, requestID string, first bool) error {
	const stmt = `INSERT INTO consume_outcomes(request_id, first_consume, occurred_at) VALUES (?, ?, ?)`
	firstInt := 0
	if first {
		firstInt = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, requestID, firstInt, time.Now().UTC())
	return err
}

// RecordSettlement logs one split of an accepted payment.
func (s *AuditStore) RecordSettlement(ctx context.Context, requestID string, split protocol.PaymentSplit) error {
	const stmt = `INSERT INTO settlements(request_id, payee_type, payee_id, amount_sats, occurred_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, requestID, string(split.PayeeType), split.PayeeID, split.AmountSats, time.Now().UTC())
	return err
}

// Receipt loads the stored receipt for a payment key, nil when absent.
func (s *AuditStore) Receipt(ctx context.Context, requestID string, payeeType protocol.PayeeType, payeeID string) (*protocol.PaymentReceipt, error) {
	const query = `SELECT amount_sats, invoice, payment_hash, preimage, settled_at_ms FROM payment_receipts
        WHERE request_id = ? AND payee_type = ? AND payee_id = ?`
	row := s.db.QueryRowContext(ctx, query, requestID, string(payeeType), payeeID)
	rcpt := &protocol.PaymentReceipt{RequestID: requestID, PayeeType: payeeType, PayeeID: payeeID}
	var settledAt sql.NullInt64
	err := row.Scan(&rcpt.AmountSats, &rcpt.Invoice, &rcpt.PaymentHash, &rcpt.Preimage, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		rcpt.SettledAtMs = settledAt.Int64
	}
	return rcpt, nil
}

// SettledTotal sums settlements for one payee across all requests.
func (s *AuditStore) SettledTotal(ctx context.Context, payeeType protocol.PayeeType, payeeID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount_sats), 0) FROM settlements WHERE payee_type = ? AND payee_id = ?`
	var total int64
	err := s.db.QueryRowContext(ctx, query, string(payeeType), payeeID).Scan(&total)
	return total, err
}
