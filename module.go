// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync/atomic"
)

// ModuleID is the content identity of a ShaderModule: a hash of the source,
// the backend target and the compiled entry points.
type ModuleID uint64

func (id ModuleID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// ModuleIdentity computes the identity of source compiled for target.
func ModuleIdentity(src Source, target string, entries []string) ModuleID {
	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	h := fnv.New64a()
	writeHashString(h, src.Code)
	writeHashString(h, target)
	for _, e := range sorted {
		writeHashString(h, e)
	}
	return ModuleID(h.Sum64())
}

func writeHashString(h interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	l := uint32(len(s))
	n[0], n[1], n[2], n[3] = byte(l), byte(l>>8), byte(l>>16), byte(l>>24)
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// Artifact is one compiled output of a module.
type Artifact struct {
	// Target names the output format: "spirv", "wgsl", "msl", "hlsl" or "cpu".
	Target string

	// Bytes holds binary output (SPIR-V); Text holds source-form output.
	Bytes []byte
	Text  string
}

// ModuleSpec is everything a backend hands over to build a ShaderModule.
type ModuleSpec struct {
	Source    Source
	Target    string
	Artifacts []Artifact
	Tables    []*ReflectionTable

	// Release is called once when the last pipeline referencing the module
	// is destroyed after the module was dropped. It may be nil.
	Release func()
}

// ShaderModule is an immutable bundle of compiled artifacts and one
// ReflectionTable per entry point. Only the version stamp changes over
// the module's lifetime.
type ShaderModule struct {
	id        ModuleID
	source    Source
	target    string
	artifacts []Artifact
	tables    map[string]*ReflectionTable
	entries   []string

	version  atomic.Uint64
	refs     atomic.Int64
	dropped  atomic.Bool
	released atomic.Bool
	onFree   func()
}

// NewShaderModule builds a module from spec.
func NewShaderModule(spec ModuleSpec) (*ShaderModule, error) {
	if len(spec.Tables) == 0 {
		return nil, &CompileError{Module: spec.Source.Name, Messages: []string{"no entry points"}}
	}
	m := &ShaderModule{
		source:    spec.Source,
		target:    spec.Target,
		artifacts: append([]Artifact(nil), spec.Artifacts...),
		tables:    make(map[string]*ReflectionTable, len(spec.Tables)),
		onFree:    spec.Release,
	}
	for _, t := range spec.Tables {
		if _, dup := m.tables[t.Entry()]; dup {
			return nil, &CompileError{Module: spec.Source.Name, Messages: []string{"duplicate entry point " + t.Entry()}}
		}
		m.tables[t.Entry()] = t
		m.entries = append(m.entries, t.Entry())
	}
	sort.Strings(m.entries)
	m.id = ModuleIdentity(spec.Source, spec.Target, m.entries)
	m.version.Store(1)
	return m, nil
}

// ID returns the content identity.
func (m *ShaderModule) ID() ModuleID { return m.id }

// Name returns the source name.
func (m *ShaderModule) Name() string { return m.source.Name }

// Source returns the retained source.
func (m *ShaderModule) Source() Source { return m.source }

// Target returns the backend target the module was compiled for.
func (m *ShaderModule) Target() string { return m.target }

// Entries returns the sorted entry point names.
func (m *ShaderModule) Entries() []string { return append([]string(nil), m.entries...) }

// Artifacts returns the compiled outputs.
func (m *ShaderModule) Artifacts() []Artifact { return append([]Artifact(nil), m.artifacts...) }

// Artifact returns the output for target.
func (m *ShaderModule) Artifact(target string) (Artifact, bool) {
	for _, a := range m.artifacts {
		if a.Target == target {
			return a, true
		}
	}
	return Artifact{}, false
}

// Reflection returns the ReflectionTable of entry.
func (m *ShaderModule) Reflection(entry string) (*ReflectionTable, error) {
	t, ok := m.tables[entry]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownEntryPoint, entry, m.source.Name)
	}
	return t, nil
}

// Version returns the current version stamp.
func (m *ShaderModule) Version() uint64 { return m.version.Load() }

// Invalidate bumps the version stamp. Pipelines built from an older stamp
// are rebuilt on their next lookup.
func (m *ShaderModule) Invalidate() uint64 { return m.version.Add(1) }

// References returns the number of live pipelines built from the module.
func (m *ShaderModule) References() int64 { return m.refs.Load() }

func (m *ShaderModule) retain() { m.refs.Add(1) }

func (m *ShaderModule) unref() {
	if m.refs.Add(-1) <= 0 && m.dropped.Load() {
		m.free()
	}
}

// Drop marks the module as no longer wanted by its owner. Its resources are
// released as soon as no pipeline references it.
func (m *ShaderModule) Drop() {
	m.dropped.Store(true)
	if m.refs.Load() <= 0 {
		m.free()
	}
}

// Released reports whether the module's resources were released.
func (m *ShaderModule) Released() bool { return m.released.Load() }

func (m *ShaderModule) free() {
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	if m.onFree != nil {
		m.onFree()
	}
}
