package domain

import "time"

// Label is the AI-assigned category for a message.
type Label string

const (
	LabelUrgent  Label = "urgent"
	LabelMeeting Label = "meeting"
	LabelPromo   Label = "promo"
	LabelSpam    Label = "spam"
	LabelOther   Label = "other"
)

// KnownLabels lists every label the engine may emit, in priority order.
var KnownLabels = []Label{LabelUrgent, LabelMeeting, LabelPromo, LabelSpam, LabelOther}

// ParseLabel maps a raw model answer to a known label, falling back to other.
func ParseLabel(s string) Label {
	switch Label(s) {
	case LabelUrgent, LabelMeeting, LabelPromo, LabelSpam, LabelOther:
		return Label(s)
	default:
		return LabelOther
	}
}

// DraftPolicy decides which labels trigger draft generation.
// Kept as explicit configuration rather than hardcoded behavior.
type DraftPolicy map[Label]bool

// DefaultDraftPolicy drafts replies for mail a user is expected to answer.
func DefaultDraftPolicy() DraftPolicy {
	return DraftPolicy{
		LabelUrgent:  true,
		LabelMeeting: true,
		LabelPromo:   false,
		LabelSpam:    false,
		LabelOther:   false,
	}
}

// WantsDraft reports whether a draft should be generated for the label.
func (p DraftPolicy) WantsDraft(label Label) bool {
	return p[label]
}

// DraftsEnabled reports whether any label triggers drafting at all.
func (p DraftPolicy) DraftsEnabled() bool {
	for _, v := range p {
		if v {
			return true
		}
	}
	return false
}

// CategorizationResult is the engine output for one message.
// At most one current result exists per message; reprocessing overwrites.
type CategorizationResult struct {
	AccountID         int64     `json:"account_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Label             Label     `json:"label"`
	Confidence        float64   `json:"confidence"` // 0.0 - 1.0
	DraftText         string    `json:"draft_text,omitempty"`
	Degraded          bool      `json:"degraded"` // produced under AI failure/timeout
	EngineVersion     string    `json:"engine_version"`
	ProcessedAt       time.Time `json:"processed_at"`
}
