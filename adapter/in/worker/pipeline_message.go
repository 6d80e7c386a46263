package worker

import (
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

// Job types
const (
	// JobAccountSync runs one sync cycle for one account.
	JobAccountSync JobType = "account.sync"

	// JobAccountResync clears the account's position and rebuilds from the
	// provider baseline. Operator-triggered.
	JobAccountResync = "account.resync"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// AccountSyncPayload carries one sync cycle request.
type AccountSyncPayload struct {
	AccountID int64 `json:"account_id"`
	Attempt   int   `json:"attempt"`
}
