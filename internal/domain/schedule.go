package domain

import "time"

// MessageType is the closed set of outbound message kinds a schedule can carry.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageFile     MessageType = "file"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
	MessageLink     MessageType = "link"
)

// ParseMessageType rejects anything outside the closed enumeration.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageText, MessageFile, MessageImage, MessageLocation, MessageLink:
		return MessageType(s), nil
	case "":
		return MessageText, nil
	}
	return "", Validationf("unknown message type %q", s)
}

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleSent      ScheduleStatus = "sent"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	switch ScheduleStatus(s) {
	case SchedulePending, ScheduleSent, ScheduleFailed, ScheduleCancelled:
		return ScheduleStatus(s), nil
	}
	return "", Validationf("unknown schedule status %q", s)
}

// Terminal reports whether the status permits no further transitions.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleSent || s == ScheduleFailed || s == ScheduleCancelled
}

// ScheduledMessage is a time-scheduled outbound message owned by the
// schedule dispatcher. Status only ever moves pending -> sent|failed|cancelled,
// and mutation of the send fields is permitted only while pending.
type ScheduledMessage struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"session"`
	Phone       string         `json:"phone"`
	Message     string         `json:"message"`
	Type        MessageType    `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	Status      ScheduleStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
