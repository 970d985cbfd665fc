package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/kestrelworks/mailroom/internal/address"
)

// Resolution is the outcome of mapping a message's addresses onto the
// directory.
type Resolution struct {
	// Employees are the active mailbox owners the message is addressed to,
	// deduplicated by address.
	Employees []*Employee
	// SenderIsEmployee reports whether the sender is itself an active
	// mailbox owner.
	SenderIsEmployee bool
}

// Resolver maps recipient and sender addresses to mailbox owners.
type Resolver struct {
	directory Repository
}

// NewResolver creates a Resolver over the given directory.
func NewResolver(directory Repository) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve looks up every distinct recipient address and the sender. Inactive
// and unknown addresses are skipped; a recipient appearing in both to and cc
// resolves at most once. Directory failures other than not-found propagate.
func (r *Resolver) Resolve(ctx context.Context, recipients []address.Address, sender address.Address) (*Resolution, error) {
	resolution := &Resolution{}

	seen := make(map[string]bool)
	for _, recipient := range recipients {
		email := strings.ToLower(recipient.Email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true

		employee, err := r.directory.FindByEmail(ctx, email)
		if errors.Is(err, ErrEmployeeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if employee.Active() {
			resolution.Employees = append(resolution.Employees, employee)
		}
	}

	if sender.Email != "" {
		employee, err := r.directory.FindByEmail(ctx, sender.Email)
		switch {
		case errors.Is(err, ErrEmployeeNotFound):
			// External sender.
		case err != nil:
			return nil, err
		default:
			resolution.SenderIsEmployee = employee.Active()
		}
	}

	return resolution, nil
}
