// Package config reads gpgpu settings from TOML.
//
// A file names the backends to try, tunes the CPU backend and the shader
// compiler, lists shader directories to watch and declares named
// pipelines:
//
//	backends = ["vulkan", "cpu"]
//	label = "blur"
//	timestamps = true
//
//	[cpu]
//	workers = 8
//
//	[compiler]
//	cache_capacity = 128
//
//	[watch]
//	dirs = ["shaders"]
//	debounce = "100ms"
//
//	[pipelines.blur_h]
//	shader = "blur"
//	entry_point = "horizontal"
//	workgroup_size = [64, 1, 1]
//	constants = { RADIUS = 4 }
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/backend/cpu"
	"github.com/gogpu/gpgpu/compiler"
	"github.com/gogpu/gpgpu/watch"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the decoded configuration file.
type Config struct {
	// Backends lists the kinds to try, most preferred first. Empty means
	// the registry's default order.
	Backends []gpgpu.Kind `toml:"backends,omitempty"`

	Label      string `toml:"label,omitempty"`
	Timestamps bool   `toml:"timestamps,omitempty"`

	CPU       CPU                 `toml:"cpu"`
	Compiler  Compiler            `toml:"compiler"`
	Watch     Watch               `toml:"watch"`
	Pipelines map[string]Pipeline `toml:"pipelines,omitempty"`
}

// CPU configures the CPU backend.
type CPU struct {
	Workers int `toml:"workers,omitempty"`
}

// Compiler configures backend shader compilers.
type Compiler struct {
	CacheCapacity int   `toml:"cache_capacity,omitempty"`
	Validate      *bool `toml:"validate,omitempty"`
}

// Watch configures shader hot reload.
type Watch struct {
	Dirs      []string `toml:"dirs,omitempty"`
	Extension string   `toml:"extension,omitempty"`
	Debounce  Duration `toml:"debounce,omitempty"`
}

// Pipeline is a named pipeline descriptor bound to a library shader.
type Pipeline struct {
	Shader        string             `toml:"shader"`
	EntryPoint    string             `toml:"entry_point,omitempty"`
	Label         string             `toml:"label,omitempty"`
	WorkgroupSize []uint32           `toml:"workgroup_size,omitempty"`
	Constants     map[string]float64 `toml:"constants,omitempty"`
}

// Duration is a time.Duration written as a string such as "50ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Parse decodes and validates data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config: line %d column %d: %w", row, col, err)
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			return nil, fmt.Errorf("config: %w\n%s", err, serr.String())
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return buf.Bytes(), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks values that decode but cannot be used.
func (c *Config) Validate() error {
	seen := make(map[gpgpu.Kind]bool, len(c.Backends))
	for _, k := range c.Backends {
		if seen[k] {
			return invalid("backend %s listed twice", k)
		}
		seen[k] = true
	}
	if c.CPU.Workers < 0 {
		return invalid("cpu.workers is negative")
	}
	if c.Compiler.CacheCapacity < 0 {
		return invalid("compiler.cache_capacity is negative")
	}
	if c.Watch.Debounce < 0 {
		return invalid("watch.debounce is negative")
	}
	for _, name := range c.PipelineNames() {
		p := c.Pipelines[name]
		if p.Shader == "" {
			return invalid("pipeline %q has no shader", name)
		}
		if n := len(p.WorkgroupSize); n != 0 && n != 3 {
			return invalid("pipeline %q: workgroup_size needs 3 values, got %d", name, n)
		}
		if slices.Contains(p.WorkgroupSize, 0) {
			return invalid("pipeline %q: workgroup_size has a zero dimension", name)
		}
	}
	return nil
}

// PipelineNames returns the declared pipeline names in sorted order.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for n := range c.Pipelines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Descriptor converts p into a pipeline descriptor.
func (p Pipeline) Descriptor() gpgpu.PipelineDescriptor {
	d := gpgpu.PipelineDescriptor{
		Label:      p.Label,
		EntryPoint: p.EntryPoint,
	}
	if len(p.Constants) > 0 {
		d.Constants = make(map[string]float64, len(p.Constants))
		for k, v := range p.Constants {
			d.Constants[k] = v
		}
	}
	if len(p.WorkgroupSize) == 3 {
		d.WorkgroupSize = &[3]uint32{p.WorkgroupSize[0], p.WorkgroupSize[1], p.WorkgroupSize[2]}
	}
	return d
}

// ContextOptions returns the Context options the file sets.
func (c *Config) ContextOptions() []gpgpu.ContextOption {
	var opts []gpgpu.ContextOption
	if c.Label != "" {
		opts = append(opts, gpgpu.WithLabel(c.Label))
	}
	if c.Timestamps {
		opts = append(opts, gpgpu.WithTimestamps(true))
	}
	return opts
}

// CompilerOptions returns the compiler options the file sets.
func (c *Config) CompilerOptions() []compiler.Option {
	var opts []compiler.Option
	if c.Compiler.CacheCapacity > 0 {
		opts = append(opts, compiler.WithCacheCapacity(c.Compiler.CacheCapacity))
	}
	if c.Compiler.Validate != nil {
		opts = append(opts, compiler.WithValidation(*c.Compiler.Validate))
	}
	return opts
}

// CPUOptions returns the CPU backend options the file sets, compiler
// options included.
func (c *Config) CPUOptions() []cpu.Option {
	var opts []cpu.Option
	if c.CPU.Workers > 0 {
		opts = append(opts, cpu.WithWorkers(c.CPU.Workers))
	}
	if copts := c.CompilerOptions(); len(copts) > 0 {
		opts = append(opts, cpu.WithCompilerOptions(copts...))
	}
	return opts
}

// WatchOptions returns the watcher options the file sets.
func (c *Config) WatchOptions() []watch.Option {
	var opts []watch.Option
	if c.Watch.Extension != "" {
		opts = append(opts, watch.WithExtension(c.Watch.Extension))
	}
	if c.Watch.Debounce > 0 {
		opts = append(opts, watch.WithDebounce(time.Duration(c.Watch.Debounce)))
	}
	return opts
}

// Open opens the first listed backend r can provide. Backends reporting
// gpgpu.ErrBackendNotAvailable are skipped. With no backends listed, Open
// defers to r.Default.
func (c *Config) Open(r *gpgpu.Registry) (gpgpu.Backend, error) {
	if len(c.Backends) == 0 {
		return r.Default()
	}
	var errs []error
	for _, k := range c.Backends {
		b, err := r.Open(k)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, gpgpu.ErrBackendNotAvailable) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{gpgpu.ErrBackendNotAvailable}, errs...)...)
	}
	return nil, fmt.Errorf("%w: none of %v", gpgpu.ErrBackendNotAvailable, c.Backends)
}

// NewContext opens a backend with Open and wraps it in a Context carrying
// the file's options.
func (c *Config) NewContext(r *gpgpu.Registry, opts ...gpgpu.ContextOption) (*gpgpu.Context, error) {
	b, err := c.Open(r)
	if err != nil {
		return nil, err
	}
	return gpgpu.NewContext(b, append(c.ContextOptions(), opts...)...)
}

// Pipeline builds the named pipeline from lib on ctx.
func (c *Config) Pipeline(ctx *gpgpu.Context, lib *gpgpu.Library, name string) (*gpgpu.PipelineState, error) {
	p, ok := c.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("config: no pipeline %q", name)
	}
	return lib.Pipeline(ctx, p.Shader, p.Descriptor())
}

// Watcher creates a watcher feeding lib and adds every configured
// directory to it.
func (c *Config) Watcher(lib *gpgpu.Library, opts ...watch.Option) (*watch.Watcher, error) {
	w, err := watch.New(lib, append(c.WatchOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	for _, dir := range c.Watch.Dirs {
		if err := w.AddDir(dir); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return w, nil
}
