package ekara

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPayload = `{
	"alertStatus": "Start",
	"scenario": {"scenarioName": "Checkout journey"},
	"product": "Ekara",
	"alertType": "availability",
	"application": {"id": 12, "name": "shop"},
	"triggerEvents": [{"step": 3, "error": "timeout"}],
	"alertId": "a-7f3c",
	"alertRuleId": 42,
	"startTime": "2026-10-18T08:00:00Z",
	"endTime": null,
	"end_alert_reasons": [],
	"account": {"name": "acme"}
}`

func TestParse_FullPayload(t *testing.T) {
	t.Parallel()

	p, err := Parse(fullPayload)
	require.NoError(t, err)

	assert.Equal(t, StatusStart, p.AlertStatus)
	assert.Equal(t, "a-7f3c", p.AlertID)
	assert.Equal(t, "Checkout journey", p.ScenarioName())
	assert.Equal(t, "Ekara", Text(p.Product))
	assert.Equal(t, `{"id":12,"name":"shop"}`, Text(p.Application))
	assert.Equal(t, "42", Text(p.AlertRuleID))
	assert.Empty(t, Text(p.EndTime))
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"truncated object", "{"},
		{"null literal", "null"},
		{"array", `[{"alertId":"x"}]`},
		{"string", `"Start"`},
		{"numeric alert id", `{"alertStatus":"Start","alertId":17}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestScenarioName_MissingScenario(t *testing.T) {
	t.Parallel()

	p, err := Parse(`{"alertStatus":"End","alertId":"x"}`)
	require.NoError(t, err)
	assert.Empty(t, p.ScenarioName())

	p, err = Parse(`{"alertStatus":"End","alertId":"x","scenario":null}`)
	require.NoError(t, err)
	assert.Empty(t, p.ScenarioName())
}

func TestSnapshot_KeyOrderAndOmission(t *testing.T) {
	t.Parallel()

	p, err := Parse(`{
		"account": {"name": "acme"},
		"alertId": "a-1",
		"scenario": {"scenarioName": "Login"},
		"alertStatus": "Start",
		"product": "Ekara",
		"endTime": null
	}`)
	require.NoError(t, err)

	got, err := p.Snapshot()
	require.NoError(t, err)

	// scenario is not part of the snapshot; null survives, missing keys do not.
	want := `{"alertStatus":"Start","alertId":"a-1","product":"Ekara","endTime":null,"account":{"name":"acme"}}`
	assert.Equal(t, want, got)
}

func TestSnapshot_ContainsAlertID(t *testing.T) {
	t.Parallel()

	p, err := Parse(fullPayload)
	require.NoError(t, err)

	got, err := p.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, got, `"alertId":"a-7f3c"`)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Len(t, decoded, 11)
	assert.NotContains(t, decoded, "scenario")
}

func TestText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  json.RawMessage
		want string
	}{
		{"missing", nil, ""},
		{"null", json.RawMessage(`null`), ""},
		{"string", json.RawMessage(`"web"`), "web"},
		{"number", json.RawMessage(`7`), "7"},
		{"object with spaces", json.RawMessage(`{ "a" : 1 }`), `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Text(tt.raw))
		})
	}
}
