package enums

import "fmt"

// PlanChangeStatus tracks a pending plan change through payment and scheduling.
type PlanChangeStatus string

const (
	PlanChangeStatusPending   PlanChangeStatus = "PENDING"
	PlanChangeStatusCompleted PlanChangeStatus = "COMPLETED"
	PlanChangeStatusExpired   PlanChangeStatus = "EXPIRED"
	PlanChangeStatusCancelled PlanChangeStatus = "CANCELLED"
)

var validPlanChangeStatuses = []PlanChangeStatus{
	PlanChangeStatusPending,
	PlanChangeStatusCompleted,
	PlanChangeStatusExpired,
	PlanChangeStatusCancelled,
}

// String implements fmt.Stringer.
func (s PlanChangeStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s PlanChangeStatus) IsValid() bool {
	for _, candidate := range validPlanChangeStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePlanChangeStatus converts raw input into a PlanChangeStatus.
func ParsePlanChangeStatus(value string) (PlanChangeStatus, error) {
	for _, candidate := range validPlanChangeStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan change status %q", value)
}
