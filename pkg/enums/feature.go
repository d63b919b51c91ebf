package enums

import "fmt"

// Feature is a boolean entitlement flag carried by a plan.
type Feature string

const (
	FeatureAdvancedReports   Feature = "advancedReports"
	FeatureMultiLocation     Feature = "multiLocation"
	FeatureCustomBranding    Feature = "customBranding"
	FeatureAPIAccess         Feature = "apiAccess"
	FeaturePrioritySupport   Feature = "prioritySupport"
	FeatureInventoryTracking Feature = "inventoryTracking"
	FeatureKDSIntegration    Feature = "kdsIntegration"
)

var validFeatures = []Feature{
	FeatureAdvancedReports,
	FeatureMultiLocation,
	FeatureCustomBranding,
	FeatureAPIAccess,
	FeaturePrioritySupport,
	FeatureInventoryTracking,
	FeatureKDSIntegration,
}

// AllFeatures returns every feature flag in display order.
func AllFeatures() []Feature {
	out := make([]Feature, len(validFeatures))
	copy(out, validFeatures)
	return out
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	return string(f)
}

// IsValid reports whether the value is known.
func (f Feature) IsValid() bool {
	for _, candidate := range validFeatures {
		if candidate == f {
			return true
		}
	}
	return false
}

// ParseFeature converts raw input into a Feature.
func ParseFeature(value string) (Feature, error) {
	for _, candidate := range validFeatures {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid feature %q", value)
}
