// File: internal/notification/logger.go
package notification

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// NotificationLogger handles logging for notification operations
type NotificationLogger struct {
	logger  *logrus.Logger
	context map[string]interface{}
}

// NewNotificationLogger creates a logger on the process-wide logrus logger
func NewNotificationLogger() *NotificationLogger {
	return &NotificationLogger{
		logger:  utils.GetLogger(),
		context: make(map[string]interface{}),
	}
}

// WithContext adds context to the logger
func (nl *NotificationLogger) WithContext(context map[string]interface{}) *NotificationLogger {
	newLogger := &NotificationLogger{
		logger:  nl.logger,
		context: make(map[string]interface{}, len(nl.context)+len(context)),
	}
	for k, v := range nl.context {
		newLogger.context[k] = v
	}
	for k, v := range context {
		newLogger.context[k] = v
	}
	return newLogger
}

// WithField adds a single field to the logger context
func (nl *NotificationLogger) WithField(key string, value interface{}) *NotificationLogger {
	return nl.WithContext(map[string]interface{}{key: value})
}

func (nl *NotificationLogger) Debug(message string, context ...map[string]interface{}) {
	nl.log(logrus.DebugLevel, message, context...)
}

func (nl *NotificationLogger) Info(message string, context ...map[string]interface{}) {
	nl.log(logrus.InfoLevel, message, context...)
}

func (nl *NotificationLogger) Warn(message string, context ...map[string]interface{}) {
	nl.log(logrus.WarnLevel, message, context...)
}

func (nl *NotificationLogger) Error(message string, context ...map[string]interface{}) {
	nl.log(logrus.ErrorLevel, message, context...)
}

func (nl *NotificationLogger) log(level logrus.Level, message string, context ...map[string]interface{}) {
	merged := make(logrus.Fields, len(nl.context)+1)
	for k, v := range nl.context {
		merged[k] = v
	}
	for _, ctx := range context {
		for k, v := range ctx {
			merged[k] = v
		}
	}
	merged["component"] = "notification"

	nl.logger.WithFields(merged).Log(level, message)
}

// LogAlert writes an alert at a level matching its severity
func (nl *NotificationLogger) LogAlert(n *models.Notification) {
	fields := map[string]interface{}{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"severity":        n.Severity,
	}
	for k, v := range n.Data {
		fields["data_"+k] = v
	}

	message := n.Title + ": " + n.Message
	switch n.Severity {
	case models.SeverityCritical:
		nl.Error(message, fields)
	case models.SeverityWarning:
		nl.Warn(message, fields)
	default:
		nl.Info(message, fields)
	}
}

// LogNotificationFailure logs a notification that could not be delivered
func (nl *NotificationLogger) LogNotificationFailure(n *models.Notification, err error, duration time.Duration) {
	nl.Error("Notification failed", map[string]interface{}{
		"notification_id":   n.ID,
		"notification_type": n.Type,
		"kind":              n.Kind,
		"attempts":          n.Attempts,
		"error":             err.Error(),
		"duration_ms":       duration.Milliseconds(),
	})
}

// LogWebhookResponse logs a webhook response
func (nl *NotificationLogger) LogWebhookResponse(url string, statusCode int, duration time.Duration, err error) {
	context := map[string]interface{}{
		"url":         url,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	if err != nil {
		context["error"] = err.Error()
		nl.Warn("Webhook attempt failed", context)
	} else {
		nl.Debug("Webhook completed", context)
	}
}

// LogRetryAttempt logs a retry attempt
func (nl *NotificationLogger) LogRetryAttempt(attempt, maxAttempts int, delay time.Duration, err error) {
	nl.Warn("Retrying webhook", map[string]interface{}{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"retry_delay":  delay.String(),
		"error":        err.Error(),
	})
}
