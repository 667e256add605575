// Package domain defines the core interfaces and types for Shrike.
package domain

import (
	"time"
)

// Channel identifies the medium an event arrived on.
const (
	ChannelSMS     = "sms"
	ChannelEmail   = "email"
	ChannelCall    = "call"
	ChannelWeb     = "web"
	ChannelPayment = "txn"
	ChannelUnknown = "unknown"
)

// Event is an immutable inbound communication event to be classified.
type Event struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Channel the event arrived on (sms, email, call, web, txn)
	Channel string `json:"channel"`

	// Free text of the message as shown to the user
	Text string `json:"text"`

	// Domain as presented to the user vs. domain after redirect resolution
	DisplayDomain string `json:"displayDomain"`
	FinalDomain   string `json:"finalDomain"`

	Sender     Sender     `json:"sender"`
	Reputation Reputation `json:"reputation"`

	// Temporal
	ReceivedAt time.Time `json:"receivedAt"`
	CreatedAt  time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Sender describes the originator of an event.
// Unknown numeric fields are -1 so rules can test for absence.
type Sender struct {
	DisplayName   string `json:"displayName,omitempty"`
	Address       string `json:"address,omitempty"`
	DomainAgeDays int    `json:"domainAgeDays"`
	PriorSeen     bool   `json:"priorSeen"`
	ConfirmedMule bool   `json:"confirmedMule"`
}

// Reputation carries externally sourced risk data about the sender/domain.
type Reputation struct {
	ReportsLast90d  int  `json:"reportsLast90d"`
	GlobalBlacklist bool `json:"globalBlacklist"`
	PriorComplaints int  `json:"priorComplaints"`
}

// EventRequest is the API request payload for POST /detect.
type EventRequest struct {
	Channel        string                 `json:"channel"`
	Text           string                 `json:"text"`
	DisplayDomain  string                 `json:"displayDomain,omitempty"`
	FinalDomain    string                 `json:"finalDomain,omitempty"`
	Sender         *SenderInfo            `json:"sender,omitempty"`
	Reputation     *Reputation            `json:"reputation,omitempty"`
	MLProbability  *float64               `json:"mlProbability,omitempty"`
	RulesetVersion int                    `json:"rulesetVersion,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SenderInfo is the wire form of Sender. DomainAgeDays is a pointer so
// an omitted age maps to the -1 absent sentinel instead of zero.
type SenderInfo struct {
	DisplayName   string `json:"displayName,omitempty"`
	Address       string `json:"address,omitempty"`
	DomainAgeDays *int   `json:"domainAgeDays,omitempty"`
	PriorSeen     bool   `json:"priorSeen,omitempty"`
	ConfirmedMule bool   `json:"confirmedMule,omitempty"`
}

// ToEvent converts a request to an Event domain object.
func (r *EventRequest) ToEvent() *Event {
	now := time.Now().UTC()

	channel := r.Channel
	if channel == "" {
		channel = ChannelUnknown
	}

	sender := Sender{DomainAgeDays: -1}
	if r.Sender != nil {
		sender.DisplayName = r.Sender.DisplayName
		sender.Address = r.Sender.Address
		sender.PriorSeen = r.Sender.PriorSeen
		sender.ConfirmedMule = r.Sender.ConfirmedMule
		if r.Sender.DomainAgeDays != nil {
			sender.DomainAgeDays = *r.Sender.DomainAgeDays
		}
	}

	var reputation Reputation
	if r.Reputation != nil {
		reputation = *r.Reputation
	}

	return &Event{
		Channel:       channel,
		Text:          r.Text,
		DisplayDomain: r.DisplayDomain,
		FinalDomain:   r.FinalDomain,
		Sender:        sender,
		Reputation:    reputation,
		ReceivedAt:    now,
		CreatedAt:     now,
		Metadata:      r.Metadata,
	}
}
