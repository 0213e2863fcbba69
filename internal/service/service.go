// Package service holds the marketplace business rules. Every operation
// takes the caller's Actor explicitly and runs its writes in a single
// database transaction.
package service

import (
	"context"
	"errors"
	"regexp"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moneyPlaces = 2

var tracer = otel.Tracer("github.com/0097eo/cafe-zuko/internal/service")

// PhonePattern matches phone numbers of 9 to 15 digits with an optional
// leading +
var PhonePattern = regexp.MustCompile(`^\+?\d{9,15}$`)

// Actor is the authenticated caller of an operation
type Actor struct {
	UserID  uint
	Role    model.Role
	IsStaff bool
}

// IsVendor reports whether the actor signed up as a vendor
func (a Actor) IsVendor() bool {
	return a.Role == model.RoleVendor
}

// Anonymous reports whether no user is attached
func (a Actor) Anonymous() bool {
	return a.UserID == 0
}

func startSpan(ctx context.Context, name string, actor Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.Int64("actor.user_id", int64(actor.UserID)),
		attribute.String("actor.role", string(actor.Role)),
	)
	return tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

// endSpan closes span, recording err when the operation failed
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func validPhone(phone string) bool {
	return phone == "" || PhonePattern.MatchString(phone)
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// notFoundOr maps a missing row to a NotFound error for resource and wraps
// anything else as internal
func notFoundOr(err error, resource string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.NotFound(resource)
	}
	return internal(err)
}

// internal wraps an unexpected database error, passing application errors through
func internal(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	return apperror.Internal("database error", err)
}
