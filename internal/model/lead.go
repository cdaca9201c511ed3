// Package model defines the lead lifecycle types shared by the store, the
// outreach engine and the HTTP handlers.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the position of a lead in the outreach lifecycle.
type Status string

const (
	StatusNew       Status = "new"
	StatusEmailed   Status = "emailed"
	StatusFollowup1 Status = "followup1"
	StatusFollowup2 Status = "followup2"
	StatusNoEmail   Status = "no_email"
	StatusReplied   Status = "replied"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further outreach may happen from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusNoEmail, StatusReplied, StatusSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusEmailed, StatusFollowup1, StatusFollowup2,
		StatusNoEmail, StatusReplied, StatusSkipped:
		return true
	default:
		return false
	}
}

// Stage is the outreach step index: 0 initial, 1 first follow-up, 2 final follow-up.
type Stage int

const (
	StageInitial       Stage = 0
	StageFirstFollowup Stage = 1
	StageFinalFollowup Stage = 2
)

// StageFor derives the stage to send for a lead currently in status s.
func StageFor(s Status) Stage {
	switch s {
	case StatusNew:
		return StageInitial
	case StatusEmailed:
		return StageFirstFollowup
	default:
		return StageFinalFollowup
	}
}

// NextStatus is the ladder status a lead moves to once this stage was sent.
func (st Stage) NextStatus() Status {
	switch st {
	case StageInitial:
		return StatusEmailed
	case StageFirstFollowup:
		return StatusFollowup1
	default:
		return StatusFollowup2
	}
}

// Lead is one discovered prospect. Optional text fields use "" for absent.
type Lead struct {
	ID               string     `json:"id"`
	ExternalID       string     `json:"external_id"`
	Name             string     `json:"name"`
	Region           string     `json:"region"`
	Address          string     `json:"address,omitempty"`
	Rating           *float64   `json:"rating,omitempty"`
	Website          string     `json:"website,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	Email            string     `json:"email,omitempty"`
	Status           Status     `json:"status"`
	LastContactedAt  *time.Time `json:"last_contacted_at,omitempty"`
	FollowupCount    int        `json:"followup_count"`
	Unsubscribed     bool       `json:"unsubscribed"`
	UnsubscribeToken string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Contactable reports whether the lead may still be selected for outreach.
func (l *Lead) Contactable() bool {
	return !l.Unsubscribed && !l.Status.Terminal()
}

// EventType classifies an EmailEvent.
type EventType string

const (
	EventSent       EventType = "sent"
	EventReceived   EventType = "received"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
)

// ProviderEventType converts a provider event name such as "email.delivered"
// into the event type stored in the log ("delivered").
func ProviderEventType(providerType string) EventType {
	return EventType(strings.TrimPrefix(strings.TrimSpace(providerType), "email."))
}

// EmailEvent is an immutable entry of a lead's audit trail.
type EmailEvent struct {
	ID        string          `json:"id"`
	LeadID    string          `json:"lead_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
