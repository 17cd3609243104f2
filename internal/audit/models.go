package audit

import "time"

// Kind labels an audit event.
type Kind string

const (
	KindOTPIssued       Kind = "otp_issued"
	KindOTPVerifyFailed Kind = "otp_verify_failed"
	KindIPBlocked       Kind = "ip_blocked"
	KindTagActivated    Kind = "tag_activated"
	KindOwnerUpdated    Kind = "owner_updated"
)

// Event is one structured audit record. Append-only.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	TagID     string            `json:"tag_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
