package models

import (
	"time"

	"github.com/google/uuid"
)

// StepName is drawn from the fixed rescue workflow vocabulary.
type StepName string

const (
	StepMechanicAssignment   StepName = "MECHANIC_ASSIGNMENT"
	StepCustomerNotification StepName = "CUSTOMER_NOTIFICATION"
	StepInTransit            StepName = "IN_TRANSIT"
	StepArrivedAtLocation    StepName = "ARRIVED_AT_LOCATION"
	StepCheckpointCompleted  StepName = "CHECKPOINT_COMPLETED"
	StepRepairConfirmed      StepName = "REPAIR_CONFIRMED"
)

// StepOrder is the advisory order in which steps are shown and seeded.
var StepOrder = []StepName{
	StepMechanicAssignment,
	StepCustomerNotification,
	StepInTransit,
	StepArrivedAtLocation,
	StepCheckpointCompleted,
	StepRepairConfirmed,
}

// Valid reports whether n belongs to the step vocabulary.
func (n StepName) Valid() bool { return n.Index() >= 0 }

// Index returns the position of n in StepOrder or -1.
func (n StepName) Index() int {
	for i, s := range StepOrder {
		if s == n {
			return i
		}
	}
	return -1
}

// DispatchStep is one stage of the rescue.
type DispatchStep struct {
	ID        string    `bson:"id" json:"id"`
	Name      StepName  `bson:"name" json:"name"`
	Done      bool      `bson:"done" json:"done"`
	IsDefault bool      `bson:"is_default" json:"is_default"`
	UpdateAt  time.Time `bson:"update_at" json:"update_at"`
	Assignee  string    `bson:"assignee,omitempty" json:"assignee,omitempty"`
}

// Cancellation is set when a dispatch is abandoned.
type Cancellation struct {
	At            time.Time `bson:"at" json:"at"`
	Reason        string    `bson:"reason" json:"reason"`
	Justification string    `bson:"justification" json:"justification"`
}

// Refund exists only once financial settlement is initiated.
type Refund struct {
	Protocol       int64     `bson:"protocol" json:"protocol"`
	Payer          string    `bson:"payer" json:"payer"`
	ReleasePayment bool      `bson:"release_payment" json:"release_payment"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// Dispatch assigns a dealership to an assistance case.
type Dispatch struct {
	DealershipID string         `bson:"dealership_id" json:"dealership_id"`
	Location     Location       `bson:"location" json:"location"`
	Steps        []DispatchStep `bson:"steps" json:"steps"`
	CurrentStep  StepName       `bson:"current_step,omitempty" json:"current_step,omitempty"`
	CreatedAt    time.Time      `bson:"created_at" json:"created_at"`
	Cancellation *Cancellation  `bson:"cancellation,omitempty" json:"cancellation,omitempty"`
	Refund       *Refund        `bson:"refund,omitempty" json:"refund,omitempty"`
}

// NewDispatch seeds a dispatch with the default step set, none of them done.
func NewDispatch(dealershipID string, loc Location, now time.Time) *Dispatch {
	steps := make([]DispatchStep, 0, len(StepOrder))
	for _, name := range StepOrder {
		steps = append(steps, NewStep(name, true, now))
	}
	return &Dispatch{
		DealershipID: dealershipID,
		Location:     loc,
		Steps:        steps,
		CreatedAt:    now,
	}
}

// NewStep builds an undone step.
func NewStep(name StepName, isDefault bool, now time.Time) DispatchStep {
	return DispatchStep{
		ID:        uuid.NewString(),
		Name:      name,
		IsDefault: isDefault,
		UpdateAt:  now,
	}
}

// AllDone reports whether every step is done. A dispatch without steps is never done.
func (d *Dispatch) AllDone() bool {
	if len(d.Steps) == 0 {
		return false
	}
	for _, s := range d.Steps {
		if !s.Done {
			return false
		}
	}
	return true
}

// HasStep reports whether any step carries the given name.
func (d *Dispatch) HasStep(name StepName) bool {
	for _, s := range d.Steps {
		if s.Name == name {
			return true
		}
	}
	return false
}

// OpenStep returns the first undone step with the given name, or nil.
func (d *Dispatch) OpenStep(name StepName) *DispatchStep {
	for i := range d.Steps {
		if d.Steps[i].Name == name && !d.Steps[i].Done {
			return &d.Steps[i]
		}
	}
	return nil
}
