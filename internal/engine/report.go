package engine

import "time"

// DeadLetter identifies one permanently failed item for operator inspection.
type DeadLetter struct {
	SKU           string `json:"sku"`
	OperationType string `json:"operation_type"`
	ErrorDetail   string `json:"error_detail"`
}

// Report summarizes one run for the audit log and the admin dashboard.
type Report struct {
	RunID             string        `json:"run_id"`
	DryRun            bool          `json:"dry_run"`
	Created           int           `json:"created"`
	Updated           int           `json:"updated"`
	PriceChanged      int           `json:"price_changed"`
	Deleted           int           `json:"deleted"`
	Skipped           int           `json:"skipped"`
	Conflicts         int           `json:"conflicts"`
	DeadLettered      int           `json:"dead_lettered"`
	MediaUploaded     int           `json:"media_uploaded"`
	MediaDeadLettered int           `json:"media_dead_lettered"`
	Duration          time.Duration `json:"duration"`
	DeadLetterDetail  []DeadLetter  `json:"dead_letter_detail,omitempty"`
}
