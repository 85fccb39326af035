package api

import clientsync "github.com/wolfeidau/client-sync"

// ToggleRequest asks the server to set an item's membership in the user's
// saved collection.
type ToggleRequest struct {
	ID           string              `json:"id"`
	DesiredState bool                `json:"desiredState"`
	ItemData     clientsync.ItemData `json:"itemData,omitempty"`
}

// ToggleResponse is the server's verdict on a toggle mutation.
type ToggleResponse struct {
	OK           bool             `json:"ok"`
	Reason       string           `json:"reason,omitempty"`
	LimitReached bool             `json:"limitReached,omitempty"`
	UpdatedItem  *clientsync.Item `json:"updatedItem,omitempty"`
}

// PaymentOrder is a freshly created payment order; PaymentLink is the
// external redirect target.
type PaymentOrder struct {
	OrderID     string `json:"orderId"`
	PaymentLink string `json:"paymentLink"`
	PaymentRef  string `json:"paymentRef"`
	PlanID      string `json:"planId"`
}

// VerifyRequest identifies the external payment to confirm. At least one of
// OrderID/LinkID plus PlanRef must be present; the engine enforces this
// before the request reaches the network.
type VerifyRequest struct {
	OrderID    string `json:"orderId,omitempty"`
	LinkID     string `json:"linkId,omitempty"`
	PlanRef    string `json:"planRef"`
	PaymentRef string `json:"paymentRef,omitempty"`
}

// VerifyResponse is the server's verdict on a payment confirmation.
type VerifyResponse struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type entitlementResponse struct {
	Entitled  bool                `json:"entitled"`
	Plan      *clientsync.PlanRef `json:"plan,omitempty"`
	PlanID    string              `json:"planId,omitempty"`
	ExpiresAt *int64              `json:"expiresAt,omitempty"` // unix millis
	Used      int                 `json:"used"`
	Limit     int                 `json:"limit"`
	Unlimited bool                `json:"unlimited,omitempty"`
}

type planCatalogResponse struct {
	Plans []clientsync.PlanRef `json:"plans"`
}
