package engine

import (
	"time"

	"gatekeeper/pkg/models"
)

// G1Template returns the default "Concept Approval" gate: four criteria at
// equal weight with a Product Owner / Tech Lead / Sponsor / PMO split, the
// standard Sponsor-heavy approver board, and a 48-hour gate SLA with two
// escalation tiers.
func G1Template(projectID string) CreateSpec {
	return CreateSpec{
		ProjectID:     projectID,
		Template:      "g1-concept-approval",
		Phase:         "G1",
		RequiredScore: 80,
		SLA:           48 * time.Hour,
		Criteria: []models.Criterion{
			{
				ID:       "pdd-complete",
				Name:     "PDD Complete and Approved",
				Category: "documentation",
				Weight:   25,
				Approver: "product_owner",
				Deadline: time.Time{}, // defaults to the gate deadline
			},
			{
				ID:        "technical-feasibility",
				Name:      "Technical Feasibility",
				Category:  "architecture",
				Weight:    25,
				Approver:  "tech_lead",
				Threshold: 70,
				Automated: true,
			},
			{
				ID:       "business-viability",
				Name:     "Business Viability",
				Category: "business",
				Weight:   25,
				Approver: "sponsor",
			},
			{
				ID:       "resources-schedule",
				Name:     "Resources and Schedule",
				Category: "planning",
				Weight:   25,
				Approver: "pmo",
			},
		},
		Approvers: []models.Approver{
			{ID: "sponsor", Role: "Sponsor", Weight: 40, SLAHours: 48},
			{ID: "tech_lead", Role: "Tech Lead", Weight: 30, SLAHours: 24},
			{ID: "pmo", Role: "PMO", Weight: 20, SLAHours: 24},
			{ID: "security", Role: "Security Officer", Weight: 10, SLAHours: 24},
		},
		Escalations: []models.EscalationTier{
			{Contact: "delivery_manager", Extension: 24 * time.Hour},
			{Contact: "portfolio_director", Extension: 24 * time.Hour},
		},
	}
}
