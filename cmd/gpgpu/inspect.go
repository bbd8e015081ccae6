package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/compiler"
)

type backendDoc struct {
	Kind         string        `yaml:"kind"`
	Available    bool          `yaml:"available"`
	Name         string        `yaml:"name,omitempty"`
	Error        string        `yaml:"error,omitempty"`
	Capabilities []string      `yaml:"capabilities,omitempty"`
	Limits       *gpgpu.Limits `yaml:"limits,omitempty"`
}

type paramDoc struct {
	Name    string `yaml:"name"`
	Group   uint32 `yaml:"group"`
	Binding uint32 `yaml:"binding"`
	Type    string `yaml:"type"`
	Size    uint64 `yaml:"size"`
	Align   uint64 `yaml:"align"`
	Layout  string `yaml:"layout"`
}

type entryDoc struct {
	Entry     string     `yaml:"entry"`
	Workgroup [3]uint32  `yaml:"workgroup,flow"`
	Params    []paramDoc `yaml:"params"`
}

type moduleDoc struct {
	Module  string     `yaml:"module"`
	ID      string     `yaml:"id"`
	Backend string     `yaml:"backend"`
	Target  string     `yaml:"target"`
	Entries []entryDoc `yaml:"entries"`
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// runCaps reports every backend kind with its capabilities and limits.
func runCaps(g *globals, args []string) error {
	fs := flag.NewFlagSet("caps", flag.ExitOnError)
	_ = fs.Parse(args)

	r := g.registry()
	var docs []backendDoc
	for _, k := range gpgpu.Kinds() {
		d := backendDoc{Kind: k.String()}
		b, err := r.Open(k)
		if err != nil {
			d.Error = err.Error()
			if !errors.Is(err, gpgpu.ErrBackendNotAvailable) {
				d.Error = "open failed: " + d.Error
			}
			docs = append(docs, d)
			continue
		}
		lim := b.Limits()
		d.Available = true
		d.Name = b.Name()
		d.Limits = &lim
		for _, c := range b.Capabilities().List() {
			d.Capabilities = append(d.Capabilities, c.String())
		}
		_ = b.Close(context.Background())
		docs = append(docs, d)
	}
	return writeYAML(os.Stdout, docs)
}

// describeModule builds the YAML view of m. A non-empty layout names the
// rule set used for parameter sizes instead of the backend's own, which
// shows how a buffer would pack for a foreign host such as an HLSL
// cbuffer.
func describeModule(m *gpgpu.ShaderModule, b gpgpu.Backend, layout string) (moduleDoc, error) {
	var (
		override gpgpu.LayoutRules
		err      error
	)
	if layout != "" {
		if override, err = gpgpu.ParseLayoutRules(layout); err != nil {
			return moduleDoc{}, err
		}
	}
	doc := moduleDoc{
		Module:  m.Name(),
		ID:      m.ID().String(),
		Backend: b.Name(),
		Target:  m.Target(),
	}
	for _, e := range m.Entries() {
		t, err := m.Reflection(e)
		if err != nil {
			return doc, err
		}
		ed := entryDoc{Entry: e, Workgroup: t.Workgroup(), Params: []paramDoc{}}
		for _, p := range t.Params() {
			if layout != "" {
				l := gpgpu.Layout(p.Type, override)
				p.Size, p.Align, p.Rules = l.Size, l.Align, override
			}
			ed.Params = append(ed.Params, paramDoc{
				Name:    p.Name,
				Group:   p.Slot.Group,
				Binding: p.Slot.Binding,
				Type:    p.Type.String(),
				Size:    p.Size,
				Align:   p.Align,
				Layout:  p.Rules.String(),
			})
		}
		doc.Entries = append(doc.Entries, ed)
	}
	return doc, nil
}

// runReflect compiles a shader on the selected backend and prints its
// reflection tables.
func runReflect(g *globals, args []string) error {
	fs := flag.NewFlagSet("reflect", flag.ExitOnError)
	entry := fs.String("entry", "", "reflect only this entry point")
	layout := fs.String("layout", "", "size parameters with std430, std140, hlsl or scalar rules")
	_ = fs.Parse(args)
	src, err := readSource(fs)
	if err != nil {
		return err
	}

	b, err := g.open()
	if err != nil {
		return err
	}
	defer b.Close(context.Background())

	var entries []string
	if *entry != "" {
		entries = []string{*entry}
	}
	m, err := b.Compile(src, entries)
	if err != nil {
		return err
	}
	doc, err := describeModule(m, b, *layout)
	if err != nil {
		return err
	}
	return writeYAML(os.Stdout, doc)
}

// runCompile translates a shader to a target language without opening a
// backend.
func runCompile(g *globals, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	target := fs.String("target", string(compiler.TargetSPIRV), "output target: wgsl, spirv, msl, hlsl or glsl")
	entry := fs.String("entry", gpgpu.DefaultEntryPoint, "entry point")
	out := fs.String("o", "", "output file (default stdout)")
	wg := fs.String("workgroup", "", "override the workgroup size, e.g. 64,1,1")
	consts := defines{}
	fs.Var(consts, "D", "set an override constant, NAME=value (repeatable)")
	_ = fs.Parse(args)

	src, err := readSource(fs)
	if err != nil {
		return err
	}
	t, err := compiler.ParseTarget(*target)
	if err != nil {
		return err
	}
	desc := gpgpu.PipelineDescriptor{EntryPoint: *entry}
	if len(consts) > 0 {
		desc.Constants = consts
	}
	if *wg != "" {
		size, err := parseWorkgroup(*wg)
		if err != nil {
			return err
		}
		desc.WorkgroupSize = &size
	}

	c := compiler.New(t, g.cfg.CompilerOptions()...)
	m, err := c.Compile(src, []string{*entry})
	if err != nil {
		return err
	}
	spec, err := c.Specialize(m, desc, t)
	if err != nil {
		return err
	}
	data := spec.Artifact.Bytes
	if len(data) == 0 {
		data = []byte(spec.Artifact.Text)
	}
	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

func parseWorkgroup(s string) ([3]uint32, error) {
	size := [3]uint32{1, 1, 1}
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return size, fmt.Errorf("bad workgroup size %q", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil || v == 0 {
			return size, fmt.Errorf("bad workgroup size %q", s)
		}
		size[i] = uint32(v)
	}
	return size, nil
}
