// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the error taxonomy shared by the Flux server,
// workers, and runtimes. Errors that cross the wire are reduced to a
// WorkflowError {kind, message, details} tuple; stack traces are never
// part of an error's identity.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid requests, malformed workflow definitions, or
// constraint violations detected at submission time.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution", "secret")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents an optimistic-concurrency conflict: a stale
// checkpoint sequence, a double claim, or a duplicate workflow version.
// Surfaced over HTTP as 409; the caller refetches state and retries.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// ExecutionError wraps an error raised inside a task or workflow body.
// It is journaled, propagated per the retry/fallback rules, and
// ultimately becomes the execution's error field.
type ExecutionError struct {
	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// RetryError is raised when a task has exhausted its retry budget and no
// fallback replaced the failure.
type RetryError struct {
	// Attempts is the number of attempts made (initial try plus retries)
	Attempts int

	// Delay is the configured initial retry delay
	Delay time.Duration

	// Backoff is the configured backoff multiplier
	Backoff float64

	// Cause is the error from the final attempt
	Cause error
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a per-attempt deadline expiring. It is treated
// exactly like a user error for retry and fallback purposes.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "task say_hello")
	Operation string

	// Timeout is the configured deadline
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Timeout)
}

// CancelledError signals cooperative cancellation. It is terminal and
// never retried.
type CancelledError struct {
	// Reason is the cancellation reason
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "execution cancelled"
	}
	return fmt.Sprintf("execution cancelled: %s", e.Reason)
}

// EncodeError indicates a value could not be represented by the codec.
type EncodeError struct {
	// Codec is the codec name ("json" or "gob")
	Codec string

	// Cause is the underlying encoding error
	Cause error
}

// Error implements the error interface.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s encode: %v", e.Codec, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EncodeError) Unwrap() error {
	return e.Cause
}

// DecodeError indicates stored bytes are corrupt or were written by a
// different codec.
type DecodeError struct {
	// Codec is the codec name ("json" or "gob")
	Codec string

	// Cause is the underlying decoding error
	Cause error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %v", e.Codec, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// UnavailableError represents a transient infrastructure failure:
// repository unavailable, network partition, backend overload. The
// affected layer retries with bounded backoff.
type UnavailableError struct {
	// Component names the unavailable collaborator (e.g., "repository")
	Component string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Component, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "security.encryption_key")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
