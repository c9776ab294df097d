package core

import "time"

// TriggerType identifies the class of event that can start a playbook.
type TriggerType string

const (
	TriggerAlert     TriggerType = "alert"
	TriggerIncident  TriggerType = "incident"
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// IsValid reports whether t is a known trigger type.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerAlert, TriggerIncident, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// TriggerEvent is an inbound event offered to the trigger binding
// resolver. Producers (alert pipeline, incident lifecycle, manual-run
// API, scheduler) construct these; the engine only reads them.
type TriggerEvent struct {
	Type           TriggerType            `json:"type"`
	Source         string                 `json:"source"`
	EntityID       string                 `json:"entity_id"`
	OrganizationID string                 `json:"organization_id"`
	TriggeredBy    string                 `json:"triggered_by"`
	Payload        map[string]interface{} `json:"payload"`
	ReceivedAt     time.Time              `json:"received_at"`
}
