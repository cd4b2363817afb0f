// Package types provides common type definitions for the exchange oracle system.
package types

// ChainID identifies a blockchain network an escrow lives on.
type ChainID int64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = 56
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = 137
	// ChainPolygonAmoy represents the Polygon Amoy testnet
	ChainPolygonAmoy ChainID = 80002
	// ChainLocalhost represents a local development chain
	ChainLocalhost ChainID = 1338
)

// OracleKind identifies one of the independent oracle services participating
// in the annotation protocol.
type OracleKind string

const (
	// OracleJobLauncher represents the job launcher service
	OracleJobLauncher OracleKind = "job_launcher"
	// OracleExchange represents the exchange oracle (this service)
	OracleExchange OracleKind = "exchange_oracle"
	// OracleRecording represents the recording oracle
	OracleRecording OracleKind = "recording_oracle"
	// OracleReputation represents the reputation oracle
	OracleReputation OracleKind = "reputation_oracle"
)

// EscrowStatus represents the on-chain status of an escrow contract.
type EscrowStatus string

const (
	// EscrowStatusLaunched represents a deployed but unfunded escrow
	EscrowStatusLaunched EscrowStatus = "Launched"
	// EscrowStatusPending represents a funded escrow awaiting results
	EscrowStatusPending EscrowStatus = "Pending"
	// EscrowStatusPartial represents an escrow with partial payouts
	EscrowStatusPartial EscrowStatus = "Partial"
	// EscrowStatusPaid represents a fully paid out escrow
	EscrowStatusPaid EscrowStatus = "Paid"
	// EscrowStatusComplete represents a completed escrow
	EscrowStatusComplete EscrowStatus = "Complete"
	// EscrowStatusCancelled represents a cancelled escrow
	EscrowStatusCancelled EscrowStatus = "Cancelled"
)

// ValidationStatus represents the local health-check state of an escrow.
type ValidationStatus string

const (
	// ValidationUnderValidation means the escrow is still being re-checked
	ValidationUnderValidation ValidationStatus = "under_validation"
	// ValidationValid means the escrow passed validation
	ValidationValid ValidationStatus = "valid"
	// ValidationInvalid is terminal; no further work is created for the escrow
	ValidationInvalid ValidationStatus = "invalid"
)

// ProjectStatus represents the lifecycle state of an annotation project.
type ProjectStatus string

const (
	// ProjectStatusCreation means the project is still being set up on the platform
	ProjectStatusCreation ProjectStatus = "creation"
	// ProjectStatusAnnotation means the project is open for annotation work
	ProjectStatusAnnotation ProjectStatus = "annotation"
	// ProjectStatusCompleted means all annotation work is done
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusValidation means results are being validated downstream
	ProjectStatusValidation ProjectStatus = "validation"
	// ProjectStatusCanceled means the project was abandoned
	ProjectStatusCanceled ProjectStatus = "canceled"
	// ProjectStatusRecorded means results were accepted by the recording oracle
	ProjectStatusRecorded ProjectStatus = "recorded"
)

// TaskStatus represents the lifecycle state of a platform task.
type TaskStatus string

const (
	// TaskStatusAnnotation means the task is open for annotation
	TaskStatusAnnotation TaskStatus = "annotation"
	// TaskStatusCompleted means the task finished annotation
	TaskStatusCompleted TaskStatus = "completed"
)

// JobStatus represents the lifecycle state of a platform job.
type JobStatus string

const (
	// JobStatusNew means no work has started on the job
	JobStatusNew JobStatus = "new"
	// JobStatusInProgress means the job is being annotated
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusCompleted means the job finished annotation
	JobStatusCompleted JobStatus = "completed"
)

// AssignmentStatus represents the state of a worker's claim on a job.
// Created is the only non-terminal status.
type AssignmentStatus string

const (
	// AssignmentStatusCreated represents an active claim
	AssignmentStatusCreated AssignmentStatus = "created"
	// AssignmentStatusCompleted represents successfully submitted work
	AssignmentStatusCompleted AssignmentStatus = "completed"
	// AssignmentStatusExpired represents a claim released after its deadline
	AssignmentStatusExpired AssignmentStatus = "expired"
	// AssignmentStatusRejected represents work rejected by validation
	AssignmentStatusRejected AssignmentStatus = "rejected"
	// AssignmentStatusCanceled represents a claim withdrawn by the worker
	AssignmentStatusCanceled AssignmentStatus = "canceled"
)

// JobType identifies the kind of annotation work described by a manifest.
type JobType string

const (
	// JobTypeImageLabelBinary represents binary image classification
	JobTypeImageLabelBinary JobType = "image_label_binary"
	// JobTypeImageBoxes represents bounding box annotation
	JobTypeImageBoxes JobType = "image_boxes"
	// JobTypeImagePoints represents keypoint annotation
	JobTypeImagePoints JobType = "image_points"
	// JobTypeImageSkeletonsFromBoxes represents skeleton annotation seeded from boxes
	JobTypeImageSkeletonsFromBoxes JobType = "image_skeletons_from_boxes"
)

// OutgoingWebhookStatus represents delivery state of an outgoing event.
type OutgoingWebhookStatus string

const (
	// OutgoingPending means the event is waiting for delivery or retry
	OutgoingPending OutgoingWebhookStatus = "pending"
	// OutgoingCompleted means the recipient confirmed delivery with a 2xx
	OutgoingCompleted OutgoingWebhookStatus = "completed"
	// OutgoingFailed means the retry budget is exhausted; needs operator attention
	OutgoingFailed OutgoingWebhookStatus = "failed"
)

// IncomingWebhookStatus represents processing state of a received event.
type IncomingWebhookStatus string

const (
	// IncomingReceived means the event is persisted but not yet handled
	IncomingReceived IncomingWebhookStatus = "received"
	// IncomingProcessing means a handler is working on the event
	IncomingProcessing IncomingWebhookStatus = "processing"
	// IncomingCompleted means the handler finished; redelivery is a no-op
	IncomingCompleted IncomingWebhookStatus = "completed"
	// IncomingFailed means the handler failed; the event id stays reserved
	IncomingFailed IncomingWebhookStatus = "failed"
)

// EventType enumerates the webhook events exchanged between oracles.
// The set is closed: adding an event means extending this enumeration and
// the receiver's handler table, never open-ended dispatch.
type EventType string

const (
	// EventEscrowCreated announces a freshly funded escrow (launcher -> exchange)
	EventEscrowCreated EventType = "escrow_created"
	// EventEscrowValidated reports a passed escrow health check (exchange -> launcher)
	EventEscrowValidated EventType = "escrow_validated"
	// EventTaskCreationCompleted reports platform setup finished (exchange -> launcher)
	EventTaskCreationCompleted EventType = "task_creation_completed"
	// EventTaskCompleted reports a task fully annotated (exchange -> recording)
	EventTaskCompleted EventType = "task_completed"
	// EventJobCompleted reports an accepted job result (recording -> exchange)
	EventJobCompleted EventType = "job_completed"
	// EventEscrowCompleted reports a paid out escrow (exchange -> reputation)
	EventEscrowCompleted EventType = "escrow_completed"
)

// Valid reports whether the event type belongs to the recognized set.
func (t EventType) Valid() bool {
	switch t {
	case EventEscrowCreated, EventEscrowValidated, EventTaskCreationCompleted,
		EventTaskCompleted, EventJobCompleted, EventEscrowCompleted:
		return true
	}
	return false
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
