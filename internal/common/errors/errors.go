package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode представляет код ошибки
type ErrorCode string

const (
	// Общие ошибки
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeConflict   ErrorCode = "CONFLICT"

	// Ошибки тенантов
	ErrCodeTenantNotFound  ErrorCode = "TENANT_NOT_FOUND"
	ErrCodeNoTenantContext ErrorCode = "NO_TENANT_CONTEXT"
	ErrCodeTenantInactive  ErrorCode = "TENANT_INACTIVE"
	ErrCodeBadCredential   ErrorCode = "BAD_CREDENTIAL"

	// Ошибки модулей
	ErrCodeModuleNotFound  ErrorCode = "MODULE_NOT_FOUND"
	ErrCodeDependencyCycle ErrorCode = "DEPENDENCY_CYCLE"

	// Ошибки базы данных
	ErrCodeDatabaseError   ErrorCode = "DATABASE_ERROR"
	ErrCodePoolExhausted   ErrorCode = "POOL_EXHAUSTED"
	ErrCodeMigrationFailed ErrorCode = "MIGRATION_FAILED"

	// Ошибки доставки
	ErrCodeTelegramAPI      ErrorCode = "TELEGRAM_API_ERROR"
	ErrCodeRecipientBlocked ErrorCode = "RECIPIENT_BLOCKED"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// AppError представляет типизированную ошибку приложения
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  int64                  `json:"tenant_id,omitempty"`
	Cause     error                  `json:"-"`
}

// Error возвращает строковое представление ошибки
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail добавляет детальную информацию к ошибке
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTenantID добавляет ID тенанта к ошибке
func (e *AppError) WithTenantID(tenantID int64) *AppError {
	e.TenantID = tenantID
	return e
}

// New создает новую ошибку приложения
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// Wrapf оборачивает существующую ошибку с форматированием
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// NewDatabaseError создает ошибку базы данных
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseError, fmt.Sprintf("Database operation failed: %s", operation)).
		WithDetail("operation", operation)
}

// NewPoolExhaustedError создает ошибку исчерпания пула соединений
func NewPoolExhaustedError(tenantID int64, err error) *AppError {
	return Wrap(err, ErrCodePoolExhausted, "Connection pool exhausted").
		WithTenantID(tenantID)
}

// NewNoTenantContextError создает ошибку отсутствия контекста тенанта
func NewNoTenantContextError() *AppError {
	return New(ErrCodeNoTenantContext,
		"No tenant storage bound to context. Wrap the unit of work with tenantdb.WithTenant before touching storage.")
}

// NewDependencyCycleError создает ошибку циклической зависимости модулей
func NewDependencyCycleError(path []string) *AppError {
	return New(ErrCodeDependencyCycle, "Circular module dependency detected").
		WithDetail("cycle", path)
}

// NewTelegramAPIError создает ошибку Telegram API
func NewTelegramAPIError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeTelegramAPI, fmt.Sprintf("Telegram API operation failed: %s", operation)).
		WithDetail("operation", operation)
}

// HasCode проверяет, несёт ли ошибка указанный код
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// AsAppError приводит ошибку к AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if err != nil && errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
