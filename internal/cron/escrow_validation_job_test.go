package cron

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "console"})
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeValidationStore struct {
	pending []*models.EscrowValidation
	updated []*models.EscrowValidation
}

func (s *fakeValidationStore) ListValidationsUnderValidation(ctx context.Context, tx pgx.Tx, limit int) ([]*models.EscrowValidation, error) {
	return s.pending, nil
}

func (s *fakeValidationStore) UpdateValidation(ctx context.Context, q storage.Querier, validation *models.EscrowValidation) error {
	copied := *validation
	s.updated = append(s.updated, &copied)
	return nil
}

type fakeValidationOutbox struct {
	enqueued []*models.OutgoingWebhook
}

func (o *fakeValidationOutbox) EnqueueOutgoing(ctx context.Context, q storage.Querier, webhook *models.OutgoingWebhook) error {
	o.enqueued = append(o.enqueued, webhook)
	return nil
}

type fakeValidationLedger struct {
	escrow *gateway.Escrow
	err    error
}

func (l *fakeValidationLedger) GetEscrow(ctx context.Context, chainID types.ChainID, escrowAddress string) (*gateway.Escrow, error) {
	return l.escrow, l.err
}

func (l *fakeValidationLedger) StoreResults(ctx context.Context, chainID types.ChainID, escrowAddress, url, hash string) error {
	return nil
}

func pendingValidation(attempts int) *models.EscrowValidation {
	return &models.EscrowValidation{
		ID:            "val-1",
		EscrowAddress: "0xescrow",
		ChainID:       types.ChainPolygon,
		Status:        types.ValidationUnderValidation,
		Attempts:      attempts,
	}
}

func newValidationJob(store *fakeValidationStore, outbox *fakeValidationOutbox, ledger gateway.LedgerGateway, maxAttempts int) *EscrowValidationJob {
	return NewEscrowValidationJob(fakeTxRunner{}, store, outbox, ledger,
		time.Minute, 10, maxAttempts, nil, testLogger())
}

func TestEscrowValidationHealthyEscrowTurnsValid(t *testing.T) {
	store := &fakeValidationStore{pending: []*models.EscrowValidation{pendingValidation(2)}}
	outbox := &fakeValidationOutbox{}
	ledger := &fakeValidationLedger{escrow: &gateway.Escrow{
		Status:  types.EscrowStatusPending,
		Balance: big.NewInt(1000),
	}}

	newValidationJob(store, outbox, ledger, 10).Run(context.Background())

	require.Len(t, store.updated, 1)
	assert.Equal(t, types.ValidationValid, store.updated[0].Status)

	require.Len(t, outbox.enqueued, 1)
	event := outbox.enqueued[0]
	assert.Equal(t, types.EventEscrowValidated, event.EventType)
	assert.Equal(t, types.OracleJobLauncher, event.Recipient)
	assert.Equal(t, "0xescrow", event.EscrowAddress)
}

func TestEscrowValidationFailureBurnsOneAttempt(t *testing.T) {
	store := &fakeValidationStore{pending: []*models.EscrowValidation{pendingValidation(3)}}
	outbox := &fakeValidationOutbox{}
	ledger := &fakeValidationLedger{err: gateway.ErrEscrowNotFound}

	newValidationJob(store, outbox, ledger, 10).Run(context.Background())

	require.Len(t, store.updated, 1)
	assert.Equal(t, types.ValidationUnderValidation, store.updated[0].Status)
	assert.Equal(t, 4, store.updated[0].Attempts)
	assert.Empty(t, outbox.enqueued)
}

func TestEscrowValidationBudgetExhaustionIsTerminal(t *testing.T) {
	store := &fakeValidationStore{pending: []*models.EscrowValidation{pendingValidation(9)}}
	outbox := &fakeValidationOutbox{}
	ledger := &fakeValidationLedger{escrow: &gateway.Escrow{
		Status:  types.EscrowStatusCancelled,
		Balance: big.NewInt(1000),
	}}

	newValidationJob(store, outbox, ledger, 10).Run(context.Background())

	require.Len(t, store.updated, 1)
	assert.Equal(t, types.ValidationInvalid, store.updated[0].Status)
	assert.Equal(t, 10, store.updated[0].Attempts)
	assert.Empty(t, outbox.enqueued)
}

func TestEscrowValidationTransientLedgerFailureBurnsNothing(t *testing.T) {
	store := &fakeValidationStore{pending: []*models.EscrowValidation{pendingValidation(5)}}
	outbox := &fakeValidationOutbox{}
	ledger := &fakeValidationLedger{
		err: oracleerrors.NewTransientError("escrow lookup", errors.New("rpc timeout")),
	}

	newValidationJob(store, outbox, ledger, 10).Run(context.Background())

	assert.Empty(t, store.updated, "transient failures must not burn attempts")
	assert.Empty(t, outbox.enqueued)
}

func TestEscrowValidationUnfundedEscrowFails(t *testing.T) {
	store := &fakeValidationStore{pending: []*models.EscrowValidation{pendingValidation(0)}}
	outbox := &fakeValidationOutbox{}
	ledger := &fakeValidationLedger{escrow: &gateway.Escrow{
		Status:  types.EscrowStatusPending,
		Balance: big.NewInt(0),
	}}

	newValidationJob(store, outbox, ledger, 10).Run(context.Background())

	require.Len(t, store.updated, 1)
	assert.Equal(t, 1, store.updated[0].Attempts)
	assert.Equal(t, types.ValidationUnderValidation, store.updated[0].Status)
}
