package models

import (
	"time"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotificationTypeWebhook NotificationType = "webhook"
	NotificationTypeLog     NotificationType = "log"
)

// AlertKind classifies operator alerts
type AlertKind string

const (
	AlertWatcherDegraded  AlertKind = "watcher_degraded"
	AlertWatcherRecovered AlertKind = "watcher_recovered"
	AlertVoucherFailing   AlertKind = "voucher_failing"
	AlertEventDeferred    AlertKind = "event_deferred"
	AlertCheckpointFailed AlertKind = "checkpoint_failed"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification represents an operator alert to be sent
type Notification struct {
	ID        string                 `json:"id"`
	Type      NotificationType       `json:"type"`
	Kind      AlertKind              `json:"kind"`
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Target    string                 `json:"target,omitempty"` // webhook URL
	Status    string                 `json:"status"`           // pending, sent, failed
	Attempts  int                    `json:"attempts"`
	CreatedAt time.Time              `json:"created_at"`
	SentAt    *time.Time             `json:"sent_at,omitempty"`
	Error     *string                `json:"error,omitempty"`
}
