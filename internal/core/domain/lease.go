package domain

import "strings"

// LeaseAnalysis is the structured output of field extraction.
type LeaseAnalysis struct {
	Summary    string        `json:"summary"`
	Confidence float64       `json:"confidence"`
	Clauses    []LeaseClause `json:"clauses"`
	KeyTerms   LeaseKeyTerms `json:"keyTerms"`
	Model      string        `json:"model,omitempty"`
}

type LeaseClause struct {
	Term  string `json:"term"`
	Text  string `json:"text"`
	Value string `json:"value,omitempty"`
}

type LeaseKeyTerms struct {
	MonthlyRent     string `json:"monthlyRent,omitempty"`
	TenantName      string `json:"tenantName,omitempty"`
	LandlordName    string `json:"landlordName,omitempty"`
	PropertyAddress string `json:"propertyAddress,omitempty"`
	LeaseStartDate  string `json:"leaseStartDate,omitempty"`
	LeaseEndDate    string `json:"leaseEndDate,omitempty"`
	DepositAmount   string `json:"depositAmount,omitempty"`
}

type KeyTermHighlight struct {
	Label string
	Value string
}

// Highlights lists the populated key terms in display order.
func (k LeaseKeyTerms) Highlights() []KeyTermHighlight {
	all := []KeyTermHighlight{
		{Label: "Property", Value: k.PropertyAddress},
		{Label: "Tenant", Value: k.TenantName},
		{Label: "Landlord", Value: k.LandlordName},
		{Label: "Monthly rent", Value: k.MonthlyRent},
		{Label: "Deposit", Value: k.DepositAmount},
		{Label: "Lease start", Value: k.LeaseStartDate},
		{Label: "Lease end", Value: k.LeaseEndDate},
	}
	out := make([]KeyTermHighlight, 0, len(all))
	for _, h := range all {
		if v := strings.TrimSpace(h.Value); v != "" {
			out = append(out, KeyTermHighlight{Label: h.Label, Value: v})
		}
	}
	return out
}

// Normalize clamps confidence and drops empty clauses.
func (a *LeaseAnalysis) Normalize() {
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	a.Summary = strings.TrimSpace(a.Summary)
	clauses := make([]LeaseClause, 0, len(a.Clauses))
	for _, c := range a.Clauses {
		if strings.TrimSpace(c.Term) == "" && strings.TrimSpace(c.Text) == "" {
			continue
		}
		clauses = append(clauses, c)
	}
	a.Clauses = clauses
}
