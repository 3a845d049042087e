package services

import (
	"errors"
	"fmt"
)

// ErrNoAvailableWorker нормальное capacity условие, не сбой системы;
// наружу маппится в 503 retry-later
var ErrNoAvailableWorker = errors.New("no worker available for assignment")

// NotFoundError неизвестный worker/session id
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError дубликат endpoint/id, превышение тарифной квоты,
// попытка подключить уже подключенную сессию
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func NewConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError некорректный вход который дошел до ядра
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConnectivityError неудачный probe/health-check либо отказ воркера
type ConnectivityError struct {
	Message string
	Err     error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func NewConnectivity(message string, err error) *ConnectivityError {
	return &ConnectivityError{Message: message, Err: err}
}
