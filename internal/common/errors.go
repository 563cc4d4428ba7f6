// Package common holds the typed errors raised by the lifecycle engine.
package common

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// ConfigurationError reports a missing linkage, such as a client without a
// native panel identifier or a panel without a matching inbound.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// ServiceError reports a failed or unusable remote call, or a refused
// operation.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("[%s] %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// InsufficientBalanceError is reserved for payment-gated callers.
type InsufficientBalanceError struct {
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %.2f, available %.2f", e.Required, e.Available)
}

func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func NewConfigurationError(format string, a ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, a...)}
}

func NewServiceError(op string, err error) error {
	return &ServiceError{Op: op, Err: err}
}

func NewServiceErrorf(op string, format string, a ...any) error {
	return &ServiceError{Op: op, Err: fmt.Errorf(format, a...)}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsService(err error) bool {
	var target *ServiceError
	return errors.As(err, &target)
}

func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return errors.As(err, &target)
}
