// Package events defines the audit event sent through Kafka.
package events

import "time"

// Audit actions derived from the HTTP method of a successful mutation.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// AuditEvent describes one successful write performed through the gateway.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}
