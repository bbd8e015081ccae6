// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compiler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/glsl"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/msl"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/naga/wgsl"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/cache"
)

// Compiler turns WGSL source into gpgpu.ShaderModules for one target.
//
// A Compiler is safe for concurrent use. Specialized artifacts are kept in
// a sharded LRU keyed by module identity, entry point and specialization,
// tagged with the module identity so that EvictModule drops them all.
type Compiler struct {
	target    Target
	backend   string
	rules     func(gpgpu.AddressSpace) gpgpu.LayoutRules
	nonPOD    bool
	validate  bool
	debug     bool
	capacity  int
	logger    *slog.Logger
	artifacts *cache.Cache[string, Specialized]
}

// Specialized is the output of Specialize for one pipeline.
type Specialized struct {
	// Artifact holds the generated code in the requested target.
	Artifact gpgpu.Artifact

	// Source is the rewritten WGSL the artifact was generated from.
	Source string

	// Workgroup is the effective workgroup size of the entry point.
	Workgroup [3]uint32
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLayoutRules sets the packing rules used to size parameters.
func WithLayoutRules(rules func(gpgpu.AddressSpace) gpgpu.LayoutRules) Option {
	return func(c *Compiler) {
		c.rules = rules
	}
}

// WithNonPOD accepts parameter types whose device layout differs from the
// host layout. Without it such parameters fail reflection with an
// UnsupportedCapabilityError.
func WithNonPOD(enabled bool) Option {
	return func(c *Compiler) {
		c.nonPOD = enabled
	}
}

// WithValidation toggles IR validation. Enabled by default.
func WithValidation(enabled bool) Option {
	return func(c *Compiler) {
		c.validate = enabled
	}
}

// WithDebug emits debug names in SPIR-V output.
func WithDebug(enabled bool) Option {
	return func(c *Compiler) {
		c.debug = enabled
	}
}

// WithCacheCapacity sets the per-shard capacity of the artifact cache.
func WithCacheCapacity(n int) Option {
	return func(c *Compiler) {
		c.capacity = n
	}
}

// WithLogger sets the compiler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

// ForBackend configures layout rules, non-POD support and diagnostics
// from b.
func ForBackend(b gpgpu.Backend) Option {
	return func(c *Compiler) {
		c.backend = b.Name()
		c.rules = b.LayoutRules
		c.nonPOD = b.Capabilities().Has(gpgpu.CapNonPodTypes)
	}
}

// New creates a compiler for target.
func New(target Target, opts ...Option) *Compiler {
	c := &Compiler{
		target:   target,
		backend:  string(target),
		rules:    defaultRules,
		nonPOD:   true,
		validate: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = Logger()
	}
	c.artifacts = cache.New[string, Specialized](c.capacity, cache.StringHasher)
	return c
}

func defaultRules(space gpgpu.AddressSpace) gpgpu.LayoutRules {
	if space == gpgpu.SpaceUniform {
		return gpgpu.LayoutStd140
	}
	return gpgpu.LayoutStd430
}

// Target returns the compiler's output format.
func (c *Compiler) Target() Target { return c.target }

// SetLogger replaces the compiler's logger.
func (c *Compiler) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Parse runs the front end: parse, lower and, if enabled, validate.
func (c *Compiler) Parse(name, code string) (*ir.Module, error) {
	ast, err := naga.Parse(code)
	if err != nil {
		return nil, &gpgpu.CompileError{Module: name, Messages: []string{err.Error()}}
	}
	res, err := wgsl.LowerWithWarnings(ast, code)
	if err != nil {
		return nil, &gpgpu.CompileError{Module: name, Messages: splitLines(err.Error())}
	}
	for _, w := range res.Warnings {
		c.logger.Debug("compiler: warning", "module", name, "msg", w.Message)
	}
	if !c.validate {
		return res.Module, nil
	}
	verrs, err := naga.Validate(res.Module)
	if err != nil {
		return nil, &gpgpu.CompileError{Module: name, Messages: []string{err.Error()}}
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, v := range verrs {
			msgs[i] = v.Error()
		}
		return nil, &gpgpu.CompileError{Module: name, Messages: msgs}
	}
	return res.Module, nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Compile compiles src and reflects the requested compute entry points
// (all of them when entryPoints is empty). The module carries one WGSL
// artifact holding the checked source, plus one artifact in the
// compiler's target when that differs.
func (c *Compiler) Compile(src gpgpu.Source, entryPoints []string) (*gpgpu.ShaderModule, error) {
	code, err := Specialize(src.Name, src.Code, SpecializeOptions{})
	if err != nil {
		return nil, err
	}
	mod, err := c.Parse(src.Name, code)
	if err != nil {
		return nil, err
	}

	eps, missing := computeEntries(mod, entryPoints)
	if len(missing) > 0 {
		msgs := make([]string, len(missing))
		for i, n := range missing {
			msgs[i] = fmt.Sprintf("%v: %q is not a compute entry point", gpgpu.ErrUnknownEntryPoint, n)
		}
		return nil, &gpgpu.CompileError{Module: src.Name, Messages: msgs}
	}
	if len(eps) == 0 {
		return nil, &gpgpu.CompileError{Module: src.Name, Messages: []string{"no compute entry points"}}
	}

	r := &reflector{
		name:    src.Name,
		module:  mod,
		access:  StorageAccess(code),
		rules:   c.rules,
		nonPOD:  c.nonPOD,
		backend: c.backend,
	}
	tables := make([]*gpgpu.ReflectionTable, 0, len(eps))
	for _, ep := range eps {
		t, err := r.table(ep)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	artifacts := []gpgpu.Artifact{{Target: string(TargetWGSL), Text: code}}
	if c.target != TargetWGSL {
		a, err := c.generate(src.Name, mod, code, c.target, eps[0].Name)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	var m *gpgpu.ShaderModule
	m, err = gpgpu.NewShaderModule(gpgpu.ModuleSpec{
		Source:    src,
		Target:    string(c.target),
		Artifacts: artifacts,
		Tables:    tables,
		Release: func() {
			c.EvictModule(m.ID())
		},
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("compiler: module compiled", "name", src.Name, "target", string(c.target), "entries", m.Entries())
	return m, nil
}

// generate runs the code generator for target.
func (c *Compiler) generate(name string, mod *ir.Module, code string, target Target, entry string) (gpgpu.Artifact, error) {
	a := gpgpu.Artifact{Target: string(target)}
	var err error
	switch target {
	case TargetWGSL, TargetCPU:
		a.Text = code
	case TargetSPIRV:
		a.Bytes, err = naga.GenerateSPIRV(mod, spirv.Options{Version: spirv.Version1_3, Debug: c.debug})
	case TargetMSL:
		a.Text, _, err = msl.Compile(mod, msl.DefaultOptions())
	case TargetHLSL:
		opts := hlsl.DefaultOptions()
		opts.EntryPoint = entry
		a.Text, _, err = hlsl.Compile(mod, opts)
	case TargetGLSL:
		opts := glsl.DefaultOptions()
		opts.LangVersion = glsl.Version430
		opts.EntryPoint = entry
		a.Text, _, err = glsl.Compile(mod, opts)
	default:
		err = fmt.Errorf("unknown target %q", target)
	}
	if err != nil {
		return gpgpu.Artifact{}, &gpgpu.CompileError{Module: name, Messages: []string{fmt.Sprintf("%s codegen: %v", target, err)}}
	}
	return a, nil
}

// Specialize returns the code for one pipeline of m: desc's constants
// and workgroup size applied to the retained source, generated for
// target. Results are cached.
func (c *Compiler) Specialize(m *gpgpu.ShaderModule, desc gpgpu.PipelineDescriptor, target Target) (Specialized, error) {
	if m == nil {
		return Specialized{}, gpgpu.ErrNilModule
	}
	entry := desc.Entry()
	table, err := m.Reflection(entry)
	if err != nil {
		return Specialized{}, err
	}

	// Unspecialized pipelines reuse the module's own artifacts.
	if !desc.Specialized() && (!target.perEntry() || len(m.Entries()) == 1) {
		if a, ok := m.Artifact(string(target)); ok {
			wgsl, _ := m.Artifact(string(TargetWGSL))
			return Specialized{Artifact: a, Source: wgsl.Text, Workgroup: table.Workgroup()}, nil
		}
	}

	key := fmt.Sprintf("%s|%s|%s|%s", m.ID(), target, entry, desc.Canonical())
	return c.artifacts.GetOrCreate(key, func() (Specialized, []string, error) {
		s, err := c.specialize(m, desc, target)
		return s, []string{m.ID().String()}, err
	})
}

func (c *Compiler) specialize(m *gpgpu.ShaderModule, desc gpgpu.PipelineDescriptor, target Target) (Specialized, error) {
	src := m.Source()
	entry := desc.Entry()
	code, err := Specialize(src.Name, src.Code, SpecializeOptions{
		Constants:     desc.Constants,
		Entry:         entry,
		WorkgroupSize: desc.WorkgroupSize,
		Strict:        true,
	})
	if err != nil {
		return Specialized{}, err
	}
	mod, err := c.Parse(src.Name, code)
	if err != nil {
		return Specialized{}, err
	}
	var wg [3]uint32
	found := false
	for _, ep := range mod.EntryPoints {
		if ep.Name == entry && ep.Stage == ir.StageCompute {
			wg, found = ep.Workgroup, true
			break
		}
	}
	if !found {
		return Specialized{}, fmt.Errorf("compiler: %s: %w: %s", src.Name, gpgpu.ErrUnknownEntryPoint, entry)
	}
	a, err := c.generate(src.Name, mod, code, target, entry)
	if err != nil {
		return Specialized{}, err
	}
	c.logger.Debug("compiler: pipeline specialized", "module", src.Name, "entry", entry, "spec", desc.Canonical(), "target", string(target))
	return Specialized{Artifact: a, Source: code, Workgroup: wg}, nil
}

// EvictModule drops every cached specialization of module id.
func (c *Compiler) EvictModule(id gpgpu.ModuleID) int {
	return c.artifacts.EvictTag(id.String())
}

// CacheStats returns the artifact cache counters.
func (c *Compiler) CacheStats() cache.Stats { return c.artifacts.Stats() }
