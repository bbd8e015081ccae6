// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compiler is the WGSL front end shared by the gpgpu backends.
//
// It parses, lowers and validates WGSL with github.com/gogpu/naga, reflects
// every compute entry point into a gpgpu.ReflectionTable and generates code
// for the backend's native target:
//
//	c := compiler.New(compiler.TargetSPIRV, compiler.ForBackend(b))
//	m, err := c.Compile(gpgpu.Source{Name: "scale", Code: src}, nil)
//
// # Reflection
//
// A parameter belongs to an entry point when the entry function reaches
// the global, directly or through the functions it calls. Sizes and
// alignments follow the layout rules of the target backend. Storage
// buffers keep the access mode they were declared with.
//
// # Specialization
//
// The naga front end lowers neither override declarations nor constant
// expressions in @workgroup_size, so both are resolved by rewriting the
// source first. Compile turns overrides into constants holding their
// defaults. [Compiler.Specialize] substitutes the values of a
// gpgpu.PipelineDescriptor, regenerates code and caches the result per
// module, entry point and specialization.
package compiler
