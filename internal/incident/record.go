package incident

import (
	"fmt"

	"github.com/linnemanlabs/ekarasync/internal/ekara"
)

// fallbackShortDescription is used when the alert carries no scenario name.
const fallbackShortDescription = "Alert Description Not Provided"

// BuildRecord maps an alert payload to a new in-progress incident. It has no
// side effects; the caller ID comes from the Identity.
func BuildRecord(p *ekara.Payload, callerID string) (*Record, error) {
	description, err := p.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("build description: %w", err)
	}

	name := p.ScenarioName()
	shortDescription := fallbackShortDescription
	if name != "" {
		shortDescription = "An alert has been triggered for the scenario " + name
	}

	return &Record{
		AlertID:          p.AlertID,
		CallerID:         callerID,
		State:            StateInProgress,
		Comments:         scenarioLabel(name) + " failed",
		ShortDescription: shortDescription,
		Category:         DefaultCategory,
		Impact:           DefaultImpact,
		Urgency:          DefaultUrgency,
		Description:      description,
	}, nil
}

func scenarioLabel(name string) string {
	if name == "" {
		return "Alert"
	}
	return name
}
