package models

import (
	"regexp"
	"time"
)

// State is the status partition of an assistance case. It is kept as an open
// string type: listing filters accept any well-formed token, only the values
// below carry engine semantics.
type State string

const (
	StateInProgress State = "IN_PROGRESS"
	StateFinished   State = "FINISHED"
)

var stateToken = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Valid reports whether s is a well-formed state token.
func (s State) Valid() bool { return stateToken.MatchString(string(s)) }

// IsActive reports whether s is the state that at most one case per vehicle may hold.
func (s State) IsActive() bool { return s == StateInProgress }

// OccurrenceType classifies the incident. Open set, like State.
type OccurrenceType string

const (
	OccurrenceBreakdown OccurrenceType = "BREAKDOWN"
	OccurrenceTow       OccurrenceType = "TOW"
	OccurrenceTire      OccurrenceType = "TIRE"
	OccurrenceAccident  OccurrenceType = "ACCIDENT"
)

// SortKeyLayout is fixed width so that lexical order of composite keys equals time order.
const SortKeyLayout = "2006-01-02T15:04:05.000Z"

// Occurrence describes the mechanical problem and its diagnosis.
type Occurrence struct {
	Type            OccurrenceType `bson:"type" json:"type" validate:"required"`
	Origin          string         `bson:"origin" json:"origin"`
	Subject         string         `bson:"subject" json:"subject"`
	MainComplaint   string         `bson:"main_complaint" json:"main_complaint"`
	CustomerRequest string         `bson:"customer_request" json:"customer_request" validate:"max=200"`
	Diagnosis       string         `bson:"diagnosis" json:"diagnosis" validate:"max=1000"`
	FaultCodes      []string       `bson:"fault_codes" json:"fault_codes"`
	PartsCode       string         `bson:"parts_code" json:"parts_code"`
	Solution        string         `bson:"solution" json:"solution"`
	LoadDescription string         `bson:"load_description" json:"load_description"`
	LoadWeight      float64        `bson:"load_weight" json:"load_weight" validate:"gte=0"`
	CriticalLoad    bool           `bson:"critical_load" json:"critical_load"`
}

// Actor identifies who performed an action on a case.
type Actor struct {
	AccountID    string `bson:"account_id" json:"account_id"`
	UserID       string `bson:"user_id" json:"user_id"`
	DealershipID string `bson:"dealership_id,omitempty" json:"dealership_id,omitempty"`
	IsTower      bool   `bson:"is_tower" json:"is_tower"`
}

// HistoryEntry is immutable once appended to an Assistance.
type HistoryEntry struct {
	Description string    `bson:"description" json:"description"`
	At          time.Time `bson:"at" json:"at"`
	Actor       Actor     `bson:"actor" json:"actor"`
}

// Assistance is one roadside incident and the aggregate root of the dispatch engine.
type Assistance struct {
	ID                 string         `bson:"_id" json:"id"`
	Number             int64          `bson:"number" json:"number"`
	Chassis            string         `bson:"chassis" json:"chassis" validate:"required"`
	CustomerAccountID  string         `bson:"customer_account_id" json:"customer_account_id"`
	CustomerAssetID    string         `bson:"customer_asset_id" json:"customer_asset_id"`
	TowerAccountID     string         `bson:"tower_account_id" json:"tower_account_id"`
	TowerAssetID       string         `bson:"tower_asset_id,omitempty" json:"tower_asset_id,omitempty"`
	Vehicle            VehicleInfo    `bson:"vehicle" json:"vehicle"`
	Driver             *Driver        `bson:"driver,omitempty" json:"driver,omitempty"`
	Occurrence         Occurrence     `bson:"occurrence" json:"occurrence"`
	Dispatch           *Dispatch      `bson:"dispatch,omitempty" json:"dispatch,omitempty"`
	CanceledDispatches []Dispatch     `bson:"canceled_dispatches" json:"canceled_dispatches"`
	History            []HistoryEntry `bson:"history" json:"history"`
	TicketNumber       string         `bson:"ticket_number,omitempty" json:"ticket_number,omitempty"`
	CreatedBy          Actor          `bson:"created_by" json:"created_by"`
	State              State          `bson:"state" json:"state"`
	Priority           int            `bson:"priority" json:"priority" validate:"min=1,max=5"`
	CreatedAt          time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `bson:"updated_at" json:"updated_at"`
	FinishedAt         *time.Time     `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	StateCreatedAt     string         `bson:"state_created_at" json:"state_created_at"`
	Version            int64          `bson:"version" json:"version"`
}

// SortKey builds the composite "{state}#{createdAt}" range key.
func SortKey(state State, createdAt time.Time) string {
	return string(state) + "#" + createdAt.UTC().Format(SortKeyLayout)
}

// SortKeyPrefix builds the range prefix used by state+date listings. datePrefix
// is any leading part of SortKeyLayout, e.g. "2024-05" or "2024-05-17".
func SortKeyPrefix(state State, datePrefix string) string {
	return string(state) + "#" + datePrefix
}

// SetState changes the state and recomputes the composite key in the same step.
func (a *Assistance) SetState(s State) {
	a.State = s
	a.RefreshSortKey()
}

// SetCreatedAt truncates to the stored precision and recomputes the composite key.
func (a *Assistance) SetCreatedAt(t time.Time) {
	a.CreatedAt = t.UTC().Truncate(time.Millisecond)
	a.RefreshSortKey()
}

// RefreshSortKey recomputes StateCreatedAt from State and CreatedAt.
func (a *Assistance) RefreshSortKey() {
	a.StateCreatedAt = SortKey(a.State, a.CreatedAt)
}

// IsFinished reports whether the case reached its terminal state.
func (a *Assistance) IsFinished() bool { return a.FinishedAt != nil }

// AppendHistory records a state description. Entries are never edited afterwards.
func (a *Assistance) AppendHistory(description string, at time.Time, actor Actor) {
	a.History = append(a.History, HistoryEntry{Description: description, At: at, Actor: actor})
}
