package domain

import "time"

type NoopReason string

const (
	NoopRoutine   NoopReason = "routine"
	NoopDuplicate NoopReason = "duplicate"
	NoopLowValue  NoopReason = "low_value"
	NoopTemporary NoopReason = "temporary"
	NoopOffTopic  NoopReason = "off_topic"
	NoopNoise     NoopReason = "noise"
)

func ValidNoopReason(r string) bool {
	switch NoopReason(r) {
	case NoopRoutine, NoopDuplicate, NoopLowValue, NoopTemporary, NoopOffTopic, NoopNoise:
		return true
	}
	return false
}

// NoopPreviewLength bounds the content preview stored with a decision.
const NoopPreviewLength = 100

// NoopDecision records an explicit decision not to store a piece of content.
type NoopDecision struct {
	ID             string     `json:"id"`
	Reason         NoopReason `json:"reason"`
	Timestamp      time.Time  `json:"timestamp"`
	ContentPreview string     `json:"content_preview"`
	SessionID      string     `json:"session_id,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`
}

// NoopStats aggregates the NOOP log for analytics.
type NoopStats struct {
	Total            int                `json:"total"`
	ByReason         map[NoopReason]int `json:"by_reason"`
	Last24h          int                `json:"last_24h"`
	Last7d           int                `json:"last_7d"`
	Writes           int                `json:"writes"`
	MemoryWriteRatio float64            `json:"memory_write_ratio"`
}
