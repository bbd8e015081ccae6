// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Every typed error below matches its sentinel with errors.Is.
var (
	// ErrCompile is returned when shader source or bytecode is invalid.
	// It is fatal to the affected ShaderModule only.
	ErrCompile = errors.New("gpgpu: compile error")

	// ErrTypeMismatch is returned when a bound value does not match the
	// declared parameter type.
	ErrTypeMismatch = errors.New("gpgpu: type mismatch")

	// ErrMissingBinding is returned when a dispatch is attempted with
	// unbound parameter slots.
	ErrMissingBinding = errors.New("gpgpu: missing binding")

	// ErrUnsupportedCapability is returned when the active backend does
	// not advertise the capability an operation requires.
	ErrUnsupportedCapability = errors.New("gpgpu: unsupported capability")

	// ErrInvalidDispatch is returned for malformed grid or indirect parameters.
	ErrInvalidDispatch = errors.New("gpgpu: invalid dispatch")

	// ErrBackend is returned for opaque native failures. The owning
	// context is unusable until it is reinitialized.
	ErrBackend = errors.New("gpgpu: backend error")

	// ErrStaleHandle is returned when a handle outlives its context.
	ErrStaleHandle = errors.New("gpgpu: stale handle")
)

// Lifecycle errors.
var (
	// ErrBackendNotAvailable is returned when a backend has no driver
	// reachable from this process.
	ErrBackendNotAvailable = errors.New("gpgpu: backend not available")

	// ErrContextClosed is returned by operations on a closed Context.
	ErrContextClosed = errors.New("gpgpu: context closed")

	// ErrNilBackend is returned when a Context is created without a backend.
	ErrNilBackend = errors.New("gpgpu: backend is nil")

	// ErrNilModule is returned when a pipeline is requested for a nil module.
	ErrNilModule = errors.New("gpgpu: shader module is nil")

	// ErrUnknownEntryPoint is returned when a module has no entry point of
	// the requested name.
	ErrUnknownEntryPoint = errors.New("gpgpu: unknown entry point")

	// ErrUnknownShader is returned by Library lookups of unregistered names.
	ErrUnknownShader = errors.New("gpgpu: unknown shader")

	// ErrNoTimestamps is returned by Backend.Timestamps for fences whose
	// dispatch did not record timestamps.
	ErrNoTimestamps = errors.New("gpgpu: no timestamps recorded")

	// ErrInvalidCopy is returned for misaligned, overrunning or
	// overlapping buffer copies.
	ErrInvalidCopy = errors.New("gpgpu: invalid buffer copy")
)

// CompileError reports invalid shader source or bytecode.
type CompileError struct {
	// Module is a human-readable module label (usually the source name).
	Module string

	// Messages are the diagnostics reported by the compiler.
	Messages []string
}

func (e *CompileError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("gpgpu: compile %s failed", e.Module)
	}
	return fmt.Sprintf("gpgpu: compile %s: %s", e.Module, strings.Join(e.Messages, "; "))
}

// Is reports whether target is ErrCompile.
func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// TypeMismatchError names the slot and both descriptors of a failed bind.
type TypeMismatchError struct {
	Slot     Slot
	Name     string
	Expected TypeDescriptor
	Got      TypeDescriptor
	Reason   string
}

func (e *TypeMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gpgpu: type mismatch at %s", e.Slot)
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s)", e.Name)
	}
	fmt.Fprintf(&b, ": expected %s, got %s", describe(e.Expected), describe(e.Got))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Is reports whether target is ErrTypeMismatch.
func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// MissingBindingError lists every slot left unbound at dispatch time.
type MissingBindingError struct {
	Entry string
	Slots []Slot
	Names []string
}

func (e *MissingBindingError) Error() string {
	parts := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		if i < len(e.Names) && e.Names[i] != "" {
			parts[i] = fmt.Sprintf("%s (%s)", s, e.Names[i])
		} else {
			parts[i] = s.String()
		}
	}
	return fmt.Sprintf("gpgpu: missing binding for %s: %s", e.Entry, strings.Join(parts, ", "))
}

// Is reports whether target is ErrMissingBinding.
func (e *MissingBindingError) Is(target error) bool { return target == ErrMissingBinding }

// UnsupportedCapabilityError is returned when a backend lacks a capability.
type UnsupportedCapabilityError struct {
	Backend    string
	Capability Capability
	Op         string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("gpgpu: %s: backend %s does not support %s", e.Op, e.Backend, e.Capability)
}

// Is reports whether target is ErrUnsupportedCapability.
func (e *UnsupportedCapabilityError) Is(target error) bool { return target == ErrUnsupportedCapability }

// InvalidDispatchError describes a malformed grid or indirect argument.
type InvalidDispatchError struct {
	Reason string
}

func (e *InvalidDispatchError) Error() string {
	return "gpgpu: invalid dispatch: " + e.Reason
}

// Is reports whether target is ErrInvalidDispatch.
func (e *InvalidDispatchError) Is(target error) bool { return target == ErrInvalidDispatch }

// BackendError wraps an opaque native failure.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gpgpu: %s: %s failed", e.Backend, e.Op)
	}
	return fmt.Sprintf("gpgpu: %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Is reports whether target is ErrBackend.
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// Unwrap returns the native cause.
func (e *BackendError) Unwrap() error { return e.Err }

// StaleHandleError reports use of a handle after its context went away.
type StaleHandleError struct {
	Handle ResourceHandle
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("gpgpu: stale handle %s", e.Handle)
}

// Is reports whether target is ErrStaleHandle.
func (e *StaleHandleError) Is(target error) bool { return target == ErrStaleHandle }

// Unsupported builds an UnsupportedCapabilityError for backend b.
func Unsupported(b Backend, c Capability, op string) error {
	return &UnsupportedCapabilityError{Backend: b.Name(), Capability: c, Op: op}
}

// Require returns an UnsupportedCapabilityError unless b advertises c.
func Require(b Backend, c Capability, op string) error {
	if b.Capabilities().Has(c) {
		return nil
	}
	return Unsupported(b, c, op)
}

// IsRecoverable reports whether err is a validation error the caller can
// correct and retry.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrMissingBinding) ||
		errors.Is(err, ErrUnsupportedCapability) ||
		errors.Is(err, ErrInvalidDispatch)
}

func describe(t TypeDescriptor) string {
	if t == nil {
		return "<none>"
	}
	return t.String()
}
