package service

import (
	"time"

	"github.com/apk-analysis/apk-security-analyzer/internal/report"
)

// 推送事件类型
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventComplete = "analysis_complete"
	EventError    = "error"
)

// ProgressEvent 分析过程中推送给客户端的事件
type ProgressEvent struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
	Current   int             `json:"current,omitempty"`
	Total     int             `json:"total,omitempty"`
	Summary   *report.Summary `json:"summary,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Notifier 事件推送
type Notifier interface {
	Notify(event ProgressEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(ProgressEvent) {}

func (s *analysisService) notify(event ProgressEvent) {
	event.Timestamp = time.Now().UnixMilli()
	s.Notifier.Notify(event)
}
