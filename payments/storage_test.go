package payments

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"infermesh/crypto"
	"infermesh/protocol"
)

func newAuditStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAuditStoreReceiptRoundTrip(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordChallenge(ctx, &protocol.PaymentRequest{
		RequestID:   "req-1",
		PayeeType:   protocol.PayeeNode,
		PayeeID:     "node-a",
		AmountSats:  25,
		PaymentHash: "hash-1",
		ExpiresAtMs: 1_700_000_060_000,
	}))

	rcpt := &protocol.PaymentReceipt{
		RequestID:   "req-1",
		PayeeType:   protocol.PayeeNode,
		PayeeID:     "node-a",
		AmountSats:  24,
		PaymentHash: "hash-1",
		Preimage:    "pre-1",
		SettledAtMs: 1_700_000_030_000,
	}
	require.NoError(t, store.RecordReceipt(ctx, rcpt))

	got, err := store.Receipt(ctx, "req-1", protocol.PayeeNode, "node-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rcpt.AmountSats, got.AmountSats)
	require.Equal(t, rcpt.PaymentHash, got.PaymentHash)
	require.Equal(t, rcpt.Preimage, got.Preimage)
	require.Equal(t, rcpt.SettledAtMs, got.SettledAtMs)

	missing, err := store.Receipt(ctx, "req-1", protocol.PayeeRouter, "router-1")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestAuditStoreReceiptReplaceKeepsLatest(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()

	first := &protocol.PaymentReceipt{
		RequestID: "req-2", PayeeType: protocol.PayeeNode, PayeeID: "node-a",
		AmountSats: 10, Preimage: "old",
	}
	require.NoError(t, store.RecordReceipt(ctx, first))

	second := *first
	second.Preimage = "new"
	second.SettledAtMs = 1_700_000_001_000
	require.NoError(t, store.RecordReceipt(ctx, &second))

	got, err := store.Receipt(ctx, "req-2", protocol.PayeeNode, "node-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "new", got.Preimage)
	require.Equal(t, int64(1_700_000_001_000), got.SettledAtMs)
}

func TestAuditStoreSettledTotal(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSettlement(ctx, "req-1", protocol.PaymentSplit{
		PayeeType: protocol.PayeeNode, PayeeID: "node-a", AmountSats: 24,
	}))
	require.NoError(t, store.RecordSettlement(ctx, "req-1", protocol.PaymentSplit{
		PayeeType: protocol.PayeeRouter, PayeeID: "router-1", AmountSats: 1,
	}))
	require.NoError(t, store.RecordSettlement(ctx, "req-2", protocol.PaymentSplit{
		PayeeType: protocol.PayeeNode, PayeeID: "node-a", AmountSats: 40,
	}))

	total, err := store.SettledTotal(ctx, protocol.PayeeNode, "node-a")
	require.NoError(t, err)
	require.Equal(t, int64(64), total)

	routerTotal, err := store.SettledTotal(ctx, protocol.PayeeRouter, "router-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), routerTotal)

	empty, err := store.SettledTotal(ctx, protocol.PayeeNode, "node-unknown")
	require.NoError(t, err)
	require.Zero(t, empty)
}

func TestAuditStoreConsumeLog(t *testing.T) {
	store := newAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordConsume(ctx, "req-3", true))
	require.NoError(t, store.RecordConsume(ctx, "req-3", false))

	rows, err := store.db.QueryContext(ctx,
		`SELECT first_consume FROM consume_outcomes WHERE request_id = ? ORDER BY id`, "req-3")
	require.NoError(t, err)
	defer rows.Close()

	var flags []int
	for rows.Next() {
		var flag int
		require.NoError(t, rows.Scan(&flag))
		flags = append(flags, flag)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []int{1, 0}, flags)
}

func TestEngineWritesThroughToAudit(t *testing.T) {
	store := newAuditStore(t)
	key, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	engine := NewEngine(Config{
		RouterID: "router-1",
		Key:      key,
		FeeBps:   100,
		Audit:    store,
	})

	ctx := context.Background()
	_, err = engine.Challenge(ctx, "req-9", "node-a", 1000)
	require.NoError(t, err)
	req, ok := engine.Request("req-9")
	require.True(t, ok)

	require.NoError(t, engine.SubmitReceipt(ctx, receiptFor(req)))
	first, err := engine.Consume(ctx, "req-9")
	require.NoError(t, err)
	require.True(t, first)

	// Every transition landed in sqlite: the receipt, one settlement row
	// per split, and the first-consume marker.
	got, err := store.Receipt(ctx, "req-9", req.PayeeType, req.PayeeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, req.AmountSats, got.AmountSats)

	for _, split := range req.Splits {
		total, err := store.SettledTotal(ctx, split.PayeeType, split.PayeeID)
		require.NoError(t, err)
		require.Equal(t, split.AmountSats, total)
	}

	var firstFlag int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT first_consume FROM consume_outcomes WHERE request_id = ?`, "req-9").Scan(&firstFlag))
	require.Equal(t, 1, firstFlag)
}
