package model

import "fmt"

// Statuses and roles are closed enum types at the core boundary. Storage
// backends exchange the raw string form via Parse*/String; business logic
// only ever compares the typed constants.

type RunStatus string

const (
    RunPlanned    RunStatus = "planned"
    RunInProgress RunStatus = "in_progress"
    RunCompleted  RunStatus = "completed"
    RunCancelled  RunStatus = "cancelled"
)

func ParseRunStatus(s string) (RunStatus, error) {
    switch RunStatus(s) {
    case RunPlanned, RunInProgress, RunCompleted, RunCancelled:
        return RunStatus(s), nil
    }
    return "", fmt.Errorf("unknown run status %q", s)
}

// Terminal reports whether a run can no longer accept deliveries.
func (s RunStatus) Terminal() bool {
    return s == RunCompleted || s == RunCancelled
}

type DeliveryStatus string

const (
    DeliveryScheduled DeliveryStatus = "scheduled"
    DeliveryDelivered DeliveryStatus = "delivered"
    DeliveryCancelled DeliveryStatus = "cancelled"
)

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
    switch DeliveryStatus(s) {
    case DeliveryScheduled, DeliveryDelivered, DeliveryCancelled:
        return DeliveryStatus(s), nil
    }
    return "", fmt.Errorf("unknown delivery status %q", s)
}

type EmployeeRole string

const (
    RoleSeller  EmployeeRole = "seller"
    RoleDriver  EmployeeRole = "driver"
    RoleManager EmployeeRole = "manager"
    RoleAdmin   EmployeeRole = "admin"
)

func ParseEmployeeRole(s string) (EmployeeRole, error) {
    switch EmployeeRole(s) {
    case RoleSeller, RoleDriver, RoleManager, RoleAdmin:
        return EmployeeRole(s), nil
    }
    return "", fmt.Errorf("unknown employee role %q", s)
}
