package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrTestNotFound     = errors.New("test not found")
	ErrPassageNotFound  = errors.New("passage not found")
	ErrGroupNotFound    = errors.New("question group not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrNodeOutOfScope   = errors.New("node belongs to another parent")
	ErrInvalidFileType  = errors.New("invalid file type")
	ErrFileTooLarge     = errors.New("file too large")
)

// ValidationError 字段级校验错误，key 为字段路径
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

func (e *ValidationError) Add(field, message string) {
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

// OrNil 没有字段错误时返回 nil
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
