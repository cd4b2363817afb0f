package cron

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/exchange-oracle/internal/logging"
)

// webhookDispatcher drains the outgoing webhook queue, satisfied by
// webhook.Dispatcher.
type webhookDispatcher interface {
	ProcessPending(ctx context.Context) (int, error)
}

// OutgoingWebhooksJob drains the outgoing webhook queue on its own interval.
// The dispatcher's SKIP LOCKED batch selection makes concurrent drains from
// multiple instances safe.
type OutgoingWebhooksJob struct {
	dispatcher webhookDispatcher
	interval   time.Duration
	logger     *logging.Logger
}

// NewOutgoingWebhooksJob creates the dispatcher drain job
func NewOutgoingWebhooksJob(dispatcher webhookDispatcher, interval time.Duration, logger *logging.Logger) *OutgoingWebhooksJob {
	return &OutgoingWebhooksJob{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.WithField("job", "process_outgoing_webhooks"),
	}
}

// Name implements Job
func (j *OutgoingWebhooksJob) Name() string { return "process_outgoing_webhooks" }

// Schedule implements Job
func (j *OutgoingWebhooksJob) Schedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Run performs one dispatch cycle
func (j *OutgoingWebhooksJob) Run(ctx context.Context) {
	attempted, err := j.dispatcher.ProcessPending(ctx)
	if err != nil {
		j.logger.WithError(err).Error("webhook dispatch tick failed")
		return
	}
	if attempted > 0 {
		j.logger.WithField("attempted", attempted).Debug("dispatched webhook batch")
	}
}
