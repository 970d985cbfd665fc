// Package directory looks up employee mailbox owners and resolves which
// mailboxes an inbound message belongs to.
package directory

import (
	"github.com/kestrelworks/mailroom/internal/dynamo"
)

// EmployeeStatus is the lifecycle state of an employee account.
type EmployeeStatus string

// Employee statuses. Only active employees are eligible mailbox owners.
const (
	StatusActive    EmployeeStatus = "active"
	StatusInactive  EmployeeStatus = "inactive"
	StatusSuspended EmployeeStatus = "suspended"
)

// Employee is a directory entry with an assigned mailbox address.
type Employee struct {
	Email  string         `json:"email"`
	Name   string         `json:"name"`
	Status EmployeeStatus `json:"status"`
}

// Active reports whether the employee may receive mailbox copies.
func (e *Employee) Active() bool {
	return e.Status == StatusActive
}

// PK returns the DynamoDB partition key for this employee.
func (e *Employee) PK() string {
	return dynamo.PrefixEmployee + e.Email
}

// SK returns the DynamoDB sort key for this employee.
func (e *Employee) SK() string {
	return dynamo.SKProfile
}
