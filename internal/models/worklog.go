package models

import "time"

// ActionType tags what kind of change a worklog entry records.
type ActionType string

const (
	ActionStepChange       ActionType = "STEP_CHANGE"
	ActionFieldChange      ActionType = "FIELD_CHANGE"
	ActionDispatchAssigned ActionType = "DISPATCH_ASSIGNED"
	ActionDispatchCanceled ActionType = "DISPATCH_CANCELED"
	ActionOccurrenceClosed ActionType = "OCCURRENCE_CLOSED"
)

// ValueType tags how a changed field value should be interpreted.
type ValueType string

const (
	ValueString ValueType = "string"
	ValueNumber ValueType = "number"
	ValueBool   ValueType = "bool"
	ValueList   ValueType = "list"
)

// FieldChangeEntry is one field-level change nested under a worklog entry.
type FieldChangeEntry struct {
	ID        int64     `json:"id"`
	EntryID   int64     `json:"entry_id"`
	FieldName string    `json:"field_name"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ValueType ValueType `json:"value_type"`
}

// WorklogKanbanEntry records one step or field change against an occurrence.
// It references the assistance by identifiers only and outlives it.
type WorklogKanbanEntry struct {
	ID             int64              `json:"id"`
	OccurrenceID   int64              `json:"occurrence_id"`
	OccurrenceUUID string             `json:"occurrence_uuid"`
	Step           string             `json:"step"`
	PreviousStatus string             `json:"previous_status"`
	NewStatus      string             `json:"new_status"`
	UserID         string             `json:"user_id"`
	ChangedAt      time.Time          `json:"changed_at"`
	ActionType     ActionType         `json:"action_type"`
	Description    string             `json:"description"`
	Fields         []FieldChangeEntry `json:"fields,omitempty"`
}

// SequenceCounter is one named counter row.
type SequenceCounter struct {
	Name   string `bson:"_id" json:"name"`
	LastID int64  `bson:"last_id" json:"last_id"`
}
