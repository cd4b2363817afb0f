package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/gateway"
	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

type fakeEscrowStore struct {
	latestCreation     *models.EscrowCreation
	validation         *models.EscrowValidation
	createdCreations   []*models.EscrowCreation
	createdValidations []*models.EscrowValidation
}

func (s *fakeEscrowStore) GetLatestCreation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowCreation, error) {
	return s.latestCreation, nil
}

func (s *fakeEscrowStore) CreateEscrowCreation(ctx context.Context, q storage.Querier, creation *models.EscrowCreation) error {
	s.createdCreations = append(s.createdCreations, creation)
	return nil
}

func (s *fakeEscrowStore) GetValidation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowValidation, error) {
	return s.validation, nil
}

func (s *fakeEscrowStore) CreateValidation(ctx context.Context, q storage.Querier, validation *models.EscrowValidation) error {
	s.createdValidations = append(s.createdValidations, validation)
	return nil
}

type fakeJobStore struct {
	job      *models.Job
	lockErr  error
	statuses map[int64]types.JobStatus
}

func (s *fakeJobStore) LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Job, error) {
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	return s.job, nil
}

func (s *fakeJobStore) UpdateStatus(ctx context.Context, q storage.Querier, platformID int64, status types.JobStatus) error {
	if s.statuses == nil {
		s.statuses = make(map[int64]types.JobStatus)
	}
	s.statuses[platformID] = status
	return nil
}

type fakeAssignmentStore struct {
	latest    *models.Assignment
	completed []string
}

func (s *fakeAssignmentStore) GetLatestByJob(ctx context.Context, q storage.Querier, platformJobID int64) (*models.Assignment, error) {
	return s.latest, nil
}

func (s *fakeAssignmentStore) Complete(ctx context.Context, q storage.Querier, id string, completedAt time.Time) error {
	s.completed = append(s.completed, id)
	return nil
}

type fakeLedger struct {
	escrow *gateway.Escrow
	err    error
}

func (l *fakeLedger) GetEscrow(ctx context.Context, chainID types.ChainID, escrowAddress string) (*gateway.Escrow, error) {
	return l.escrow, l.err
}

func (l *fakeLedger) StoreResults(ctx context.Context, chainID types.ChainID, escrowAddress, url, hash string) error {
	return nil
}

type fakeManifests struct {
	manifest *gateway.Manifest
	err      error
}

func (m *fakeManifests) Fetch(ctx context.Context, manifestURL string) (*gateway.Manifest, error) {
	return m.manifest, m.err
}

func fundedEscrow(status types.EscrowStatus) *gateway.Escrow {
	return &gateway.Escrow{
		Address:     "0xescrow",
		ChainID:     types.ChainPolygon,
		Status:      status,
		Balance:     big.NewInt(1_000_000),
		ManifestURL: "https://storage.example/manifest.json",
	}
}

func boxesManifest() *gateway.Manifest {
	m := &gateway.Manifest{JobBounty: "0.02"}
	m.Data.DataURL = "https://storage.example/data/"
	m.Annotation.Type = types.JobTypeImageBoxes
	m.Annotation.JobSize = 10
	m.Annotation.Labels = []gateway.ManifestLabel{{Name: "cat"}, {Name: "dog"}}
	return m
}

func escrowCreatedPayload() *Payload {
	return &Payload{
		EventID:       "evt-1",
		EscrowAddress: "0xescrow",
		ChainID:       types.ChainPolygon,
		EventType:     types.EventEscrowCreated,
	}
}

func TestHandleEscrowCreatedRejectsWrongSender(t *testing.T) {
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	err := h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleRecording)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryAuthentication, oracleerrors.Categorize(err).Category)
}

func TestHandleEscrowCreatedMissingOnChain(t *testing.T) {
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{err: gateway.ErrEscrowNotFound}, &fakeManifests{}, nil, testLogger())

	err := h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryValidation, oracleerrors.Categorize(err).Category)
}

func TestHandleEscrowCreatedRejectsUnfundedEscrow(t *testing.T) {
	escrow := fundedEscrow(types.EscrowStatusPending)
	escrow.Balance = big.NewInt(0)
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: escrow}, &fakeManifests{}, nil, testLogger())

	err := h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryValidation, oracleerrors.Categorize(err).Category)
}

func TestHandleEscrowCreatedRejectsClosedEscrow(t *testing.T) {
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: fundedEscrow(types.EscrowStatusComplete)}, &fakeManifests{}, nil, testLogger())

	err := h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryValidation, oracleerrors.Categorize(err).Category)
}

func TestHandleEscrowCreatedRecordsIntake(t *testing.T) {
	escrows := &fakeEscrowStore{}
	h := NewHandlers(fakeTxRunner{}, escrows, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: fundedEscrow(types.EscrowStatusPending)},
		&fakeManifests{manifest: boxesManifest()}, nil, testLogger())

	require.NoError(t, h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher))

	require.Len(t, escrows.createdCreations, 1)
	creation := escrows.createdCreations[0]
	assert.Equal(t, "0xescrow", creation.EscrowAddress)
	assert.Equal(t, types.ChainPolygon, creation.ChainID)
	assert.Equal(t, 1, creation.TotalJobs)

	require.Len(t, escrows.createdValidations, 1)
	assert.Equal(t, types.ValidationUnderValidation, escrows.createdValidations[0].Status)
}

func TestHandleEscrowCreatedSkeletonsRunPerLabel(t *testing.T) {
	manifest := boxesManifest()
	manifest.Annotation.Type = types.JobTypeImageSkeletonsFromBoxes

	escrows := &fakeEscrowStore{}
	h := NewHandlers(fakeTxRunner{}, escrows, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: fundedEscrow(types.EscrowStatusPartial)},
		&fakeManifests{manifest: manifest}, nil, testLogger())

	require.NoError(t, h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher))

	require.Len(t, escrows.createdCreations, 1)
	assert.Equal(t, 2, escrows.createdCreations[0].TotalJobs)
}

func TestHandleEscrowCreatedIdempotentForUnfinishedIntake(t *testing.T) {
	escrows := &fakeEscrowStore{
		latestCreation: &models.EscrowCreation{EscrowAddress: "0xescrow", ChainID: types.ChainPolygon},
	}
	h := NewHandlers(fakeTxRunner{}, escrows, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: fundedEscrow(types.EscrowStatusPending)},
		&fakeManifests{manifest: boxesManifest()}, nil, testLogger())

	require.NoError(t, h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher))
	assert.Empty(t, escrows.createdCreations, "unfinished intake must not be duplicated")
}

func TestHandleEscrowCreatedReusesExistingValidation(t *testing.T) {
	finished := time.Now().UTC()
	escrows := &fakeEscrowStore{
		latestCreation: &models.EscrowCreation{
			EscrowAddress: "0xescrow",
			ChainID:       types.ChainPolygon,
			FinishedAt:    &finished,
		},
		validation: &models.EscrowValidation{Status: types.ValidationValid},
	}
	h := NewHandlers(fakeTxRunner{}, escrows, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{escrow: fundedEscrow(types.EscrowStatusPending)},
		&fakeManifests{manifest: boxesManifest()}, nil, testLogger())

	require.NoError(t, h.HandleEscrowCreated(context.Background(), escrowCreatedPayload(), types.OracleJobLauncher))

	// Address reuse: a finished earlier campaign means a fresh intake, but
	// the validation row is unique per escrow and is not recreated.
	require.Len(t, escrows.createdCreations, 1)
	assert.Empty(t, escrows.createdValidations)
}

func jobCompletedPayload(jobID int64) *Payload {
	data, _ := json.Marshal(&JobCompletedData{JobID: jobID})
	return &Payload{
		EventID:       "evt-2",
		EscrowAddress: "0xescrow",
		ChainID:       types.ChainPolygon,
		EventType:     types.EventJobCompleted,
		EventData:     data,
	}
}

func TestHandleJobCompletedRejectsWrongSender(t *testing.T) {
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	err := h.HandleJobCompleted(context.Background(), jobCompletedPayload(7), types.OracleJobLauncher)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryAuthentication, oracleerrors.Categorize(err).Category)
}

func TestHandleJobCompletedRequiresJobID(t *testing.T) {
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, &fakeJobStore{}, &fakeAssignmentStore{},
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	err := h.HandleJobCompleted(context.Background(), jobCompletedPayload(0), types.OracleRecording)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryValidation, oracleerrors.Categorize(err).Category)
}

func TestHandleJobCompletedUnknownJob(t *testing.T) {
	jobs := &fakeJobStore{lockErr: errors.New("no rows")}
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, jobs, &fakeAssignmentStore{},
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	err := h.HandleJobCompleted(context.Background(), jobCompletedPayload(7), types.OracleRecording)
	require.Error(t, err)
	assert.Equal(t, oracleerrors.CategoryNotFound, oracleerrors.Categorize(err).Category)
}

func TestHandleJobCompletedTransitionsJobAndAssignment(t *testing.T) {
	jobs := &fakeJobStore{
		job: &models.Job{ID: "job-1", PlatformID: 7, Status: types.JobStatusInProgress},
	}
	assignments := &fakeAssignmentStore{
		latest: &models.Assignment{
			ID:        "asg-1",
			Status:    types.AssignmentStatusCreated,
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		},
	}
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, jobs, assignments,
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	require.NoError(t, h.HandleJobCompleted(context.Background(), jobCompletedPayload(7), types.OracleRecording))

	assert.Equal(t, types.JobStatusCompleted, jobs.statuses[7])
	assert.Equal(t, []string{"asg-1"}, assignments.completed)
}

func TestHandleJobCompletedIdempotent(t *testing.T) {
	jobs := &fakeJobStore{
		job: &models.Job{ID: "job-1", PlatformID: 7, Status: types.JobStatusCompleted},
	}
	assignments := &fakeAssignmentStore{}
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, jobs, assignments,
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	require.NoError(t, h.HandleJobCompleted(context.Background(), jobCompletedPayload(7), types.OracleRecording))
	assert.Empty(t, jobs.statuses)
	assert.Empty(t, assignments.completed)
}

func TestHandleJobCompletedSkipsExpiredAssignment(t *testing.T) {
	jobs := &fakeJobStore{
		job: &models.Job{ID: "job-1", PlatformID: 7, Status: types.JobStatusNew},
	}
	assignments := &fakeAssignmentStore{
		latest: &models.Assignment{
			ID:        "asg-1",
			Status:    types.AssignmentStatusCreated,
			ExpiresAt: time.Now().UTC().Add(-time.Hour),
		},
	}
	h := NewHandlers(fakeTxRunner{}, &fakeEscrowStore{}, jobs, assignments,
		&fakeLedger{}, &fakeManifests{}, nil, testLogger())

	require.NoError(t, h.HandleJobCompleted(context.Background(), jobCompletedPayload(7), types.OracleRecording))
	assert.Equal(t, types.JobStatusCompleted, jobs.statuses[7])
	assert.Empty(t, assignments.completed, "an expired claim earns no completion")
}
