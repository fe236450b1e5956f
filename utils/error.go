package utils

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError reports malformed input. It never reaches the database.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError reports a state conflict the caller may retry after refreshing.
type ConflictError struct {
	EntityType string
	EntityId   int
	Action     string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s #%d: %s", e.Action, e.EntityType, e.EntityId, e.Message)
}

type NotFoundError struct {
	EntityType string
	EntityId   int
	Action     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s #%d: %s", e.Action, e.EntityType, e.EntityId, ErrorRecordNotFound.Error())
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrorRecordNotFound
}

// AuditWriteFailure means the audit insert failed and the mutation was rolled back.
type AuditWriteFailure struct {
	EntityType string
	EntityId   int
	Action     string
	Err        error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write failed for %s %s #%d: %v", e.Action, e.EntityType, e.EntityId, e.Err)
}

func (e *AuditWriteFailure) Unwrap() error {
	return e.Err
}

func NewNotFound(entityType string, entityId int, action string) error {
	return &NotFoundError{EntityType: entityType, EntityId: entityId, Action: action}
}

func NewConflict(entityType string, entityId int, action string, message string) error {
	return &ConflictError{EntityType: entityType, EntityId: entityId, Action: action, Message: message}
}

// IsDuplicateKeyError matches gorm's translated error and the raw MySQL 1062.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
