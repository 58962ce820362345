package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ContractKind string

const (
	ContractKindManual      ContractKind = "MANUAL"
	ContractKindSelfService ContractKind = "SELF_SERVICE"
)

type ContractStatus string

const (
	ContractStatusDraft      ContractStatus = "draft"
	ContractStatusSubmitted  ContractStatus = "submitted"
	ContractStatusCompleted  ContractStatus = "completed"
	ContractStatusTerminated ContractStatus = "terminated"
)

// RetryError is one failed recovery attempt, kept forever in the contract
// metadata so support can see the whole history.
type RetryError struct {
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
	ManualRetry bool      `json:"manualRetry"`
	RetriedBy   string    `json:"retriedBy,omitempty"`
}

// ContractMetadata is the typed view of the contract's JSON metadata column.
// Older rows carry keys written by earlier versions of the CRM; Decode keeps
// them in the legacy bag and Encode writes them back untouched.
type ContractMetadata struct {
	TerminationReason string       `json:"terminationReason,omitempty"`
	TerminatedAt      *time.Time   `json:"terminatedAt,omitempty"`
	TerminatedBy      string       `json:"terminatedBy,omitempty"`
	TerminatedByAdmin bool         `json:"terminatedByAdmin,omitempty"`
	DBRecovered       bool         `json:"dbRecovered,omitempty"`
	RetryErrors       []RetryError `json:"retryErrors,omitempty"`
	ManuallyRetriedBy string       `json:"manuallyRetriedBy,omitempty"`
	ManuallyRetriedAt *time.Time   `json:"manuallyRetriedAt,omitempty"`

	legacy map[string]json.RawMessage
}

var typedMetadataKeys = map[string]bool{
	"terminationReason": true,
	"terminatedAt":      true,
	"terminatedBy":      true,
	"terminatedByAdmin": true,
	"dbRecovered":       true,
	"retryErrors":       true,
	"manuallyRetriedBy": true,
	"manuallyRetriedAt": true,
}

// DecodeMetadata parses the raw column. Unknown keys survive into the legacy
// bag rather than being dropped on the next save.
func DecodeMetadata(raw datatypes.JSON) (ContractMetadata, error) {
	var meta ContractMetadata
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ContractMetadata{}, fmt.Errorf("decode contract metadata: %w", err)
	}

	var bag map[string]json.RawMessage
	if err := json.Unmarshal(raw, &bag); err != nil {
		return ContractMetadata{}, fmt.Errorf("decode contract metadata bag: %w", err)
	}
	for key := range bag {
		if typedMetadataKeys[key] {
			delete(bag, key)
		}
	}
	if len(bag) > 0 {
		meta.legacy = bag
	}
	return meta, nil
}

// Encode serializes the metadata, merging legacy keys back in.
func (m ContractMetadata) Encode() (datatypes.JSON, error) {
	typed, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode contract metadata: %w", err)
	}
	if len(m.legacy) == 0 {
		return datatypes.JSON(typed), nil
	}

	merged := map[string]json.RawMessage{}
	for key, value := range m.legacy {
		merged[key] = value
	}
	var typedBag map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedBag); err != nil {
		return nil, fmt.Errorf("encode contract metadata bag: %w", err)
	}
	for key, value := range typedBag {
		merged[key] = value
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode contract metadata: %w", err)
	}
	return datatypes.JSON(out), nil
}

// AffiliateContract is the engagement between an affiliate and the agency.
// Termination is one-way; a terminated contract never re-enters service.
type AffiliateContract struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	ProfileID   snowflake.ID   `gorm:"not null;index"`
	Kind        ContractKind   `gorm:"type:text;not null"`
	Status      ContractStatus `gorm:"type:text;not null;index"`
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	RetryCount  int            `gorm:"not null;default:0"`
	LastRetryAt *time.Time
	// TerminatedAt and DBRecovered mirror the metadata record in indexed
	// columns so the scheduler sweep can claim work without JSON queries.
	TerminatedAt *time.Time `gorm:"index"`
	DBRecovered  bool       `gorm:"not null;default:false;index"`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (AffiliateContract) TableName() string { return "affiliate_contracts" }

type TerminateResult struct {
	Contract AffiliateContract
	// RecoveryExecuted is true when the termination triggered an immediate
	// synchronous DB recovery (branch managers). Sales agents are recovered
	// later by the scheduler after the grace window.
	RecoveryExecuted bool
}

// HasDataError blocks trial-contract deletion while the profile still owns
// meaningful customer data.
type HasDataError struct {
	Leads int64
	Sales int64
	Links int64
}

func (e *HasDataError) Error() string {
	return fmt.Sprintf("contract still has data: %d leads, %d sales, %d referral links", e.Leads, e.Sales, e.Links)
}

func (e *HasDataError) Total() int64 { return e.Leads + e.Sales + e.Links }

type Service interface {
	Create(ctx context.Context, profileID snowflake.ID, kind ContractKind) (AffiliateContract, error)
	Submit(ctx context.Context, contractID snowflake.ID, actorID string) (AffiliateContract, error)
	Complete(ctx context.Context, contractID snowflake.ID, actorID string) (AffiliateContract, error)

	// Terminate moves the contract to terminated and records who, when and
	// why. Branch-manager contracts additionally run DB recovery to HQ in the
	// same request; sales agents get a grace window first.
	Terminate(ctx context.Context, contractID snowflake.ID, reason, actorID string, byAdmin bool) (TerminateResult, error)

	// RetryRecovery re-runs DB recovery for a terminated contract whose data
	// has not moved yet. Every attempt is recorded; retries are unbounded.
	RetryRecovery(ctx context.Context, contractID snowflake.ID, actorID string) (AffiliateContract, error)

	// DeleteTrial hard-deletes a trial subscription-agent contract, refused
	// while the profile still owns more than a sliver of data.
	DeleteTrial(ctx context.Context, contractID snowflake.ID, actorID string) error

	// PendingRecoveryContracts lists terminated sales-agent contracts whose
	// grace window has elapsed and whose data has not been recovered yet.
	PendingRecoveryContracts(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error)

	// ExecuteScheduledRecovery runs recovery for one swept contract with
	// scheduler-attributed retry bookkeeping on failure.
	ExecuteScheduledRecovery(ctx context.Context, contractID snowflake.ID) error

	Get(ctx context.Context, contractID snowflake.ID) (AffiliateContract, error)
}

var (
	ErrContractNotFound  = errors.New("contract_not_found")
	ErrInvalidKind       = errors.New("invalid_contract_kind")
	ErrInvalidTransition = errors.New("invalid_contract_transition")
	ErrAlreadyTerminated = errors.New("already_terminated")
	ErrNotTerminated     = errors.New("contract_not_terminated")
	ErrAlreadyRecovered  = errors.New("contract_db_already_recovered")
	ErrNotTrialContract  = errors.New("not_a_trial_contract")
)
