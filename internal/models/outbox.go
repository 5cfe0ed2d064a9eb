package models

import (
	"encoding/json"
	"time"
)

// EntityName is the logical name of the outbox entity as seen by the host.
const EntityName = "messageoutbox"

// Status is the persisted lifecycle code of an outbox entry.
type Status int

const (
	StatusCreated   Status = 1
	StatusSent      Status = 2
	StatusProcessed Status = 3
	StatusFailed    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSent:
		return "sent"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// rank orders statuses along the lifecycle. Failed is a stalled Created entry.
func (s Status) rank() int {
	switch s {
	case StatusCreated, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusProcessed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
// Re-entering the same state is allowed (a republished entry stays Sent).
func (s Status) CanAdvanceTo(next Status) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// PriorStatuses lists every status an entry may hold right before moving to next.
func PriorStatuses(next Status) []Status {
	var prior []Status
	for _, s := range []Status{StatusCreated, StatusSent, StatusProcessed, StatusFailed} {
		if s.CanAdvanceTo(next) {
			prior = append(prior, s)
		}
	}
	return prior
}

// Entry is one row of the outbox table.
type Entry struct {
	ID                string     `db:"id"`
	RecordID          string     `db:"record_id"`
	EntityName        string     `db:"entity_name"`
	Name              string     `db:"name"`
	SerializedContext string     `db:"serialized_context"`
	MessageID         string     `db:"message_id"`
	SentOn            *time.Time `db:"sent_on"`
	ProcessedOn       *time.Time `db:"processed_on"`
	Status            Status     `db:"status"`
	CreatedOn         time.Time  `db:"created_on"`
}

// ContextHeader reads the correlation fields carried by the serialized context.
// Missing or unparsable bodies yield a zero header.
func (e Entry) ContextHeader() ContextHeader {
	var h ContextHeader
	if e.SerializedContext == "" {
		return h
	}
	_ = json.Unmarshal([]byte(e.SerializedContext), &h)
	return h
}

// ContextHeader is the subset of a serialized context the relay needs to route a message.
type ContextHeader struct {
	PrimaryEntityID   string `json:"PrimaryEntityId"`
	PrimaryEntityName string `json:"PrimaryEntityName"`
	MessageName       string `json:"MessageName"`
	CorrelationID     string `json:"CorrelationId"`
	OrganizationID    string `json:"OrganizationId"`
}

// Column names an outbox attribute for partial reads.
type Column string

const (
	ColumnID                Column = "id"
	ColumnRecordID          Column = "record_id"
	ColumnEntityName        Column = "entity_name"
	ColumnName              Column = "name"
	ColumnSerializedContext Column = "serialized_context"
	ColumnMessageID         Column = "message_id"
	ColumnSentOn            Column = "sent_on"
	ColumnProcessedOn       Column = "processed_on"
	ColumnStatus            Column = "status"
	ColumnCreatedOn         Column = "created_on"
)

// AllColumns is the full projection, in table order.
var AllColumns = []Column{
	ColumnID, ColumnRecordID, ColumnEntityName, ColumnName, ColumnSerializedContext,
	ColumnMessageID, ColumnSentOn, ColumnProcessedOn, ColumnStatus, ColumnCreatedOn,
}

// PublishColumns is what the publisher needs to send an entry.
var PublishColumns = []Column{
	ColumnID, ColumnName, ColumnSerializedContext, ColumnEntityName, ColumnRecordID, ColumnStatus,
}

// Filter holds equality conditions for outbox queries. Zero fields are ignored.
type Filter struct {
	RecordID string
	Status   Status
	Limit    int
}

// Patch lists the attributes an update touches. Nil fields are left unchanged.
type Patch struct {
	MessageID   *string
	SentOn      *time.Time
	ProcessedOn *time.Time
	Status      *Status
}

// SentPatch marks an entry as sent with the broker-assigned id.
func SentPatch(messageID string, at time.Time) Patch {
	s := StatusSent
	return Patch{MessageID: &messageID, SentOn: &at, Status: &s}
}

// ProcessedPatch marks an entry as processed by the message observed on the queue.
func ProcessedPatch(messageID string, at time.Time) Patch {
	s := StatusProcessed
	return Patch{MessageID: &messageID, ProcessedOn: &at, Status: &s}
}

// Columns maps the patch to column values for the SQL builder.
func (p Patch) Columns() map[string]any {
	cols := make(map[string]any, 4)
	if p.MessageID != nil {
		cols[string(ColumnMessageID)] = *p.MessageID
	}
	if p.SentOn != nil {
		cols[string(ColumnSentOn)] = p.SentOn.UTC()
	}
	if p.ProcessedOn != nil {
		cols[string(ColumnProcessedOn)] = p.ProcessedOn.UTC()
	}
	if p.Status != nil {
		cols[string(ColumnStatus)] = int(*p.Status)
	}
	return cols
}

// EstimateBytes approximates the memory held by an entry's payload.
func (e Entry) EstimateBytes() int {
	return len(e.SerializedContext) + len(e.Name) + len(e.RecordID) + len(e.EntityName) + 128
}
