// Package integration holds the outbound collaborators of the dispatch engine:
// the fleet asset directory, the ticketing service and dealership notifications.
package integration

import (
	"context"
	"time"
)

// Asset is the directory record of a customer vehicle.
type Asset struct {
	AssetID   string `json:"assetId"`
	AccountID string `json:"accountId"`
	Chassis   string `json:"chassis"`
	Plate     string `json:"plate"`
	Model     string `json:"model"`
	Year      int    `json:"year"`
}

// AssetDirectory looks up vehicles. FindByChassis returns nil, nil for an unknown chassis.
type AssetDirectory interface {
	FindByChassis(ctx context.Context, chassis string) (*Asset, error)
}

// TicketRequest opens a support ticket for an assistance case.
type TicketRequest struct {
	AssistanceID string `json:"assistanceId"`
	Number       int64  `json:"number"`
	Chassis      string `json:"chassis"`
	Plate        string `json:"plate,omitempty"`
	Model        string `json:"model,omitempty"`
	CustomerID   string `json:"customerId,omitempty"`
	Subject      string `json:"subject"`
	Description  string `json:"description"`
	Priority     int    `json:"priority"`
}

// Ticketing creates tickets and returns their number.
type Ticketing interface {
	CreateTicket(ctx context.Context, req TicketRequest) (string, error)
}

// Notification events.
const (
	EventDispatchAssigned = "DISPATCH_ASSIGNED"
	EventDispatchCanceled = "DISPATCH_CANCELED"
	EventOccurrenceClosed = "OCCURRENCE_CLOSED"
)

// Notification tells a dealership about a change to a case it serves.
type Notification struct {
	Event        string    `json:"event"`
	AssistanceID string    `json:"assistanceId"`
	Number       int64     `json:"number"`
	Chassis      string    `json:"chassis"`
	DealershipID string    `json:"dealershipId"`
	State        string    `json:"state"`
	At           time.Time `json:"at"`
}

// Notifier delivers notifications on a best-effort basis. Notify must not block
// on the remote side and never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
