// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpgpu is a backend-agnostic layer for general-purpose GPU compute.
//
// A program compiles shader source into a [ShaderModule], builds a
// [PipelineState] for one entry point, binds device buffers to the
// parameters listed in the entry point's [ReflectionTable] and dispatches
// workgroups. Everything device-specific lives behind the [Backend]
// interface; the backend/cpu, backend/native and backend/stub packages
// provide implementations.
//
// # Quick Start
//
//	b := cpu.New(cpu.WithKernel("main", addOne))
//	ctx, err := gpgpu.NewContext(b)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close(context.Background())
//
//	mod, _ := ctx.Compile(gpgpu.Source{Name: "add", Code: src})
//	p, _ := ctx.Pipeline(mod, gpgpu.PipelineDescriptor{})
//	buf, _ := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Size: 1024, Usage: gpgpu.BufferUsageStorage})
//	_ = ctx.BindName(p, "data", buf, gpgpu.ArrayOf(gpgpu.U32, 0))
//	f, _ := ctx.Launch(p, [3]uint32{256, 1, 1})
//	_ = f.Wait(context.Background())
//
// # Capabilities
//
// Backends differ in what they can do. Every optional feature is a
// [Capability]; an operation that needs one the active backend lacks fails
// with an [UnsupportedCapabilityError] and is never emulated.
//
// # Types and layouts
//
// Shader parameter types are described by [TypeDescriptor] values. The
// same logical type has different byte layouts under different
// [LayoutRules]; [Marshal] and [Unmarshal] repack Go values accordingly.
//
// # Concurrency
//
// A [Context] serializes calls that mutate its cache, bindings and
// resources. Dispatch never blocks: it returns a [Fence]. Separate
// Contexts share no state.
//
// # Logging
//
// gpgpu is silent by default. Call [SetLogger] or pass [WithLogger] to
// route diagnostics to a [log/slog] handler.
package gpgpu
