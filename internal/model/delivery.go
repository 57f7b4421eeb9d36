package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	return s == DeliveryPending || s == DeliverySent || s == DeliveryFailed
}

// Delivery is one recipient's outcome within a campaign.
// The (campaign_id, recipient_id) primary key is the backstop against a
// recipient landing in two chunks of the same campaign.
type Delivery struct {
	CampaignID  int64          `db:"campaign_id" json:"campaign_id"`
	RecipientID int64          `db:"recipient_id" json:"recipient_id"`
	Status      DeliveryStatus `db:"status" json:"status"`
	Attempts    int            `db:"attempts" json:"attempts"`
	LastError   *string        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// DeliveryCounts aggregates a campaign's delivery outcomes.
type DeliveryCounts struct {
	Total   int64 `db:"total" json:"total"`
	Pending int64 `db:"pending" json:"pending"`
	Sent    int64 `db:"sent" json:"sent"`
	Failed  int64 `db:"failed" json:"failed"`
}
