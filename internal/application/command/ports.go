// Package command contains write operations (CQRS - Commands).
// Every handler validates its command, takes the coordination it needs
// (term barrier, per-student lock), performs the change through the domain
// repositories and publishes a domain event after the commit.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// StudentLocker serializes writers per student.
// Lock returns shared.ErrLockTimeout (Busy) when the lock is not obtained in time
// and ctx.Err() when the caller gives up first.
type StudentLocker interface {
	Lock(ctx context.Context, studentID string) (func(), error)
}

// TermBarrier orders the payment path against term activation and fee edits.
type TermBarrier interface {
	Shared(ctx context.Context) (func(), error)
	Exclusive(ctx context.Context) (func(), error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// SystemClock returns UTC wall time.
func SystemClock() time.Time { return time.Now().UTC() }

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the struct tags of cmd and reports failures as a
// shared validation error naming every offending field.
func validateStruct(domain, op string, cmd any) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.Validationf(domain, op, "%v", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return shared.Validationf(domain, op, "%s", strings.Join(parts, "; "))
}

// publish sends events and ignores publisher errors; the commit already happened.
func publish(p shared.EventPublisher, events ...shared.Event) {
	if p == nil {
		return
	}
	for _, e := range events {
		_ = p.Publish(e)
	}
}
