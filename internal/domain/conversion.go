package domain

import (
	"strings"
	"time"
)

// ConversionStatus tracks a conversion through the worker pipeline.
type ConversionStatus string

const (
	StatusQueued     ConversionStatus = "QUEUED"
	StatusProcessing ConversionStatus = "PROCESSING"
	StatusCompleted  ConversionStatus = "COMPLETED"
	StatusFailed     ConversionStatus = "FAILED"
)

var transitions = map[ConversionStatus][]ConversionStatus{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusQueued},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

// CanTransition reports whether a conversion may move from one status to another.
// FAILED→PROCESSING covers a queue retry that picks the job up again without
// an intermediate requeue.
func CanTransition(from, to ConversionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a status filter. ok is false for unknown values.
func ParseStatus(s string) (ConversionStatus, bool) {
	st := ConversionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

func (s ConversionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Conversion is one document-to-Markdown transformation.
type Conversion struct {
	ID          string
	OwnerKey    string
	UserID      *string
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	StorageKey  string
	Status      ConversionStatus
	Engine      string
	Markdown    string
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OwnerKey values scope conversions to a user or an anonymous visitor.
func UserOwner(userID string) string       { return "user:" + userID }
func VisitorOwner(visitorID string) string { return "visitor:" + visitorID }

// SearchHit is one search result over converted Markdown.
type SearchHit struct {
	ConversionID string  `json:"conversion_id"`
	Filename     string  `json:"filename"`
	Snippet      string  `json:"snippet"`
	Score        float64 `json:"score"`
}
