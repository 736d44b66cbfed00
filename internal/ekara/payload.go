// Package ekara models the alert webhook payload sent by the Ekara monitoring platform.
package ekara

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Alert lifecycle values carried in alertStatus.
const (
	StatusStart = "Start"
	StatusEnd   = "End"
)

// ErrInvalidPayload is returned by Parse for bodies that are not a JSON object.
var ErrInvalidPayload = errors.New("invalid payload format")

// Scenario identifies the Ekara scenario that raised the alert.
type Scenario struct {
	Name string `json:"scenarioName"`
}

// Payload is a single Ekara alert notification. Fields other than the
// status, correlation key and scenario have no fixed type upstream and are
// kept as raw JSON so they round-trip into the incident description.
type Payload struct {
	AlertStatus     string          `json:"alertStatus"`
	Scenario        *Scenario       `json:"scenario,omitempty"`
	Product         json.RawMessage `json:"product,omitempty"`
	AlertType       json.RawMessage `json:"alertType,omitempty"`
	Application     json.RawMessage `json:"application,omitempty"`
	TriggerEvents   json.RawMessage `json:"triggerEvents,omitempty"`
	AlertID         string          `json:"alertId"`
	AlertRuleID     json.RawMessage `json:"alertRuleId,omitempty"`
	StartTime       json.RawMessage `json:"startTime,omitempty"`
	EndTime         json.RawMessage `json:"endTime,omitempty"`
	EndAlertReasons json.RawMessage `json:"end_alert_reasons,omitempty"`
	Account         json.RawMessage `json:"account,omitempty"`
}

// snapshot fixes the key order of the description written to incidents.
type snapshot struct {
	AlertStatus     string          `json:"alertStatus,omitempty"`
	AlertID         string          `json:"alertId,omitempty"`
	Product         json.RawMessage `json:"product,omitempty"`
	AlertType       json.RawMessage `json:"alertType,omitempty"`
	Application     json.RawMessage `json:"application,omitempty"`
	TriggerEvents   json.RawMessage `json:"triggerEvents,omitempty"`
	AlertRuleID     json.RawMessage `json:"alertRuleId,omitempty"`
	StartTime       json.RawMessage `json:"startTime,omitempty"`
	EndTime         json.RawMessage `json:"endTime,omitempty"`
	EndAlertReasons json.RawMessage `json:"end_alert_reasons,omitempty"`
	Account         json.RawMessage `json:"account,omitempty"`
}

// Parse decodes a raw webhook body. Anything other than a JSON object,
// including a literal null, is rejected with ErrInvalidPayload.
func Parse(raw string) (*Payload, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidPayload
	}

	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &p, nil
}

// ScenarioName returns the scenario name, or "" when the payload has no scenario.
func (p *Payload) ScenarioName() string {
	if p.Scenario == nil {
		return ""
	}
	return p.Scenario.Name
}

// Snapshot serializes the alert fields that are stored in the incident
// description. Absent fields are omitted.
func (p *Payload) Snapshot() (string, error) {
	b, err := json.Marshal(snapshot{
		AlertStatus:     p.AlertStatus,
		AlertID:         p.AlertID,
		Product:         present(p.Product),
		AlertType:       present(p.AlertType),
		Application:     present(p.Application),
		TriggerEvents:   present(p.TriggerEvents),
		AlertRuleID:     present(p.AlertRuleID),
		StartTime:       present(p.StartTime),
		EndTime:         present(p.EndTime),
		EndAlertReasons: present(p.EndAlertReasons),
		Account:         present(p.Account),
	})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}

// Text renders a loosely typed field for display. Strings are unquoted and
// other JSON values are returned compacted. Missing and null fields are "".
func Text(raw json.RawMessage) string {
	raw = present(raw)
	if raw == nil || string(bytes.TrimSpace(raw)) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

// present returns nil for missing fields. An explicit JSON null is kept.
func present(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return raw
}
