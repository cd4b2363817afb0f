package cron

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/storage"
	"github.com/exchange-oracle/internal/types"
)

type fakeAssignmentStore struct {
	overdue  []*models.Assignment
	statuses map[string]types.AssignmentStatus
}

func (s *fakeAssignmentStore) ListExpired(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.Assignment, error) {
	if len(s.overdue) > limit {
		return s.overdue[:limit], nil
	}
	return s.overdue, nil
}

func (s *fakeAssignmentStore) UpdateStatus(ctx context.Context, q storage.Querier, id string, status types.AssignmentStatus) error {
	if s.statuses == nil {
		s.statuses = make(map[string]types.AssignmentStatus)
	}
	s.statuses[id] = status
	return nil
}

func TestAssignmentsJobExpiresOverdueClaims(t *testing.T) {
	store := &fakeAssignmentStore{
		overdue: []*models.Assignment{
			{ID: "asg-1", Status: types.AssignmentStatusCreated},
			{ID: "asg-2", Status: types.AssignmentStatusCreated},
		},
	}
	job := NewAssignmentsJob(fakeTxRunner{}, store, time.Minute, 10, nil, testLogger())

	job.Run(context.Background())

	assert.Equal(t, types.AssignmentStatusExpired, store.statuses["asg-1"])
	assert.Equal(t, types.AssignmentStatusExpired, store.statuses["asg-2"])
}

func TestAssignmentsJobNoOverdueClaims(t *testing.T) {
	store := &fakeAssignmentStore{}
	job := NewAssignmentsJob(fakeTxRunner{}, store, time.Minute, 10, nil, testLogger())

	job.Run(context.Background())

	assert.Empty(t, store.statuses)
}

func TestAssignmentsJobHonorsBatchSize(t *testing.T) {
	store := &fakeAssignmentStore{
		overdue: []*models.Assignment{
			{ID: "asg-1"}, {ID: "asg-2"}, {ID: "asg-3"},
		},
	}
	job := NewAssignmentsJob(fakeTxRunner{}, store, time.Minute, 2, nil, testLogger())

	job.Run(context.Background())

	assert.Len(t, store.statuses, 2)
}
