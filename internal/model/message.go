package model

import "time"

type MessageStatus string

const (
	Sent   MessageStatus = "sent"
	Failed MessageStatus = "failed"
)

// MessageRecord is one dispatch attempt. Records are append-only.
type MessageRecord struct {
	ID              string        `json:"id" db:"id"`
	EnrollmentID    int64         `json:"enrollmentId" db:"enrollment_id"`
	LeadID          string        `json:"leadId" db:"lead_id"`
	SequenceSlug    string        `json:"sequenceSlug" db:"sequence_slug"`
	StepOrder       int           `json:"stepOrder" db:"step_order"`
	ChannelUsed     Channel       `json:"channelUsed" db:"channel_used"`
	Status          MessageStatus `json:"status" db:"status"`
	Manual          bool          `json:"manual" db:"manual"`
	RemoteMessageID *string       `json:"remoteMessageId,omitempty" db:"remote_message_id"`
	Error           *string       `json:"error,omitempty" db:"error"`
	SentAt          time.Time     `json:"sentAt" db:"sent_at"`
}
