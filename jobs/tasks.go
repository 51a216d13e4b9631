package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/clearledger/clearledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskApprovalExpireSweep closes approval requests whose token validity
	// window has lapsed.
	TaskApprovalExpireSweep = "approval:expire_sweep"
	// TaskAuditVerify recomputes the audit hash chain over a range.
	TaskAuditVerify = "audit:verify_chain"
)

// ExpireSweepPayload bounds one sweep run.
type ExpireSweepPayload struct {
	Limit int `json:"limit"`
}

// NewExpireSweepTask constructs an Asynq task for the approval expiry sweep.
func NewExpireSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(ExpireSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalExpireSweep, body, asynq.Queue(QueueDefault)), nil
}

// AuditVerifyPayload selects the sequence range to verify. A zero ToSeq
// means "through the current tail".
type AuditVerifyPayload struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

// NewAuditVerifyTask constructs an Asynq task for chain verification.
func NewAuditVerifyTask(fromSeq, toSeq int64) (*asynq.Task, error) {
	body, err := json.Marshal(AuditVerifyPayload{FromSeq: fromSeq, ToSeq: toSeq})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditVerify, body, asynq.Queue(QueueDefault)), nil
}
