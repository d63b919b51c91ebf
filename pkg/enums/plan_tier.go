package enums

import (
	"fmt"
	"strings"
)

// PlanTier is the catalog identifier of a plan.
type PlanTier string

const (
	PlanTierFree       PlanTier = "FREE"
	PlanTierBasic      PlanTier = "BASIC"
	PlanTierPro        PlanTier = "PRO"
	PlanTierBusiness   PlanTier = "BUSINESS"
	PlanTierEnterprise PlanTier = "ENTERPRISE"
)

var validPlanTiers = []PlanTier{
	PlanTierFree,
	PlanTierBasic,
	PlanTierPro,
	PlanTierBusiness,
	PlanTierEnterprise,
}

// String implements fmt.Stringer.
func (t PlanTier) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t PlanTier) IsValid() bool {
	for _, candidate := range validPlanTiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParsePlanTier converts raw input into a PlanTier. Input is case-insensitive.
func ParsePlanTier(value string) (PlanTier, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validPlanTiers {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan tier %q", value)
}
