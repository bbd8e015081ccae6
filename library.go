package gpgpu

import (
	"fmt"
	"slices"
	"sync"
)

// Library holds named shader sources and compiles them lazily, once per
// Context. Reload swaps a source: modules compiled from the old text are
// invalidated and their pipelines evicted, so the next Get recompiles and
// the next Pipeline call rebuilds.
//
// Library is safe for concurrent use.
type Library struct {
	mu       sync.Mutex
	sources  map[string]librarySource
	compiled map[*Context]map[string]libraryModule
}

type librarySource struct {
	src      Source
	entries  []string
	revision uint64
}

// libraryModule is the latest compile of a source on one Context. module
// is nil when that compile failed.
type libraryModule struct {
	module   *ShaderModule
	revision uint64
	epoch    uint64
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		sources:  make(map[string]librarySource),
		compiled: make(map[*Context]map[string]libraryModule),
	}
}

// Register adds or replaces the source stored under name. entryPoints
// restricts compilation to those entry points; empty means all.
func (l *Library) Register(name string, src Source, entryPoints ...string) {
	if src.Name == "" {
		src.Name = name
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.sources[name]
	rev := uint64(1)
	if ok {
		rev = prev.revision + 1
	}
	l.sources[name] = librarySource{src: src, entries: slices.Clone(entryPoints), revision: rev}
	if ok {
		l.invalidateLocked(name)
	}
}

// Names returns the registered names in sorted order.
func (l *Library) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.sources))
	for n := range l.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Source returns the current source stored under name.
func (l *Library) Source(name string) (Source, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sources[name]
	return s.src, ok
}

// Revision returns how many times name was registered or reloaded.
func (l *Library) Revision(name string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sources[name].revision
}

// Get returns the module compiled from name on ctx, compiling it on first
// use or after a reload.
func (l *Library) Get(ctx *Context, name string) (*ShaderModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownShader, name)
	}
	epoch := ctx.Epoch()
	mods := l.compiled[ctx]
	c, ok := mods[name]
	if ok && c.module != nil && c.revision == s.revision && c.epoch == epoch {
		return c.module, nil
	}
	if ok && c.module != nil {
		c.module.Drop()
	}
	if mods == nil {
		mods = make(map[string]libraryModule)
		l.compiled[ctx] = mods
	}
	m, err := ctx.Compile(s.src, s.entries...)
	mods[name] = libraryModule{module: m, revision: s.revision, epoch: epoch}
	if err != nil {
		return nil, fmt.Errorf("gpgpu: library %q: %w", name, err)
	}
	return m, nil
}

// Status reports how far name has progressed on ctx before any pipeline
// exists: StatusUncompiled until Get compiles the current source,
// StatusCompiled afterwards and StatusFailed when that compile failed.
// A reload or backend reinitialization returns the name to
// StatusUncompiled.
func (l *Library) Status(ctx *Context, name string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sources[name]
	if !ok {
		return StatusUncompiled
	}
	c, ok := l.compiled[ctx][name]
	switch {
	case !ok || c.revision != s.revision || c.epoch != ctx.Epoch():
		return StatusUncompiled
	case c.module == nil:
		return StatusFailed
	default:
		return StatusCompiled
	}
}

// Pipeline is Get followed by Context.Pipeline.
func (l *Library) Pipeline(ctx *Context, name string, desc PipelineDescriptor) (*PipelineState, error) {
	m, err := l.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return ctx.Pipeline(m, desc)
}

// Reload replaces the source stored under name. Modules compiled from the
// previous source have their version bumped and their cached pipelines
// evicted from every Context that compiled them.
func (l *Library) Reload(name string, src Source) error {
	if src.Name == "" {
		src.Name = name
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.sources[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownShader, name)
	}
	l.sources[name] = librarySource{src: src, entries: prev.entries, revision: prev.revision + 1}
	n := l.invalidateLocked(name)
	slogger().Info("gpgpu: shader reloaded", "name", name, "revision", prev.revision+1, "contexts", n)
	return nil
}

// invalidateLocked bumps every compiled module of name, evicts its
// pipelines and drops the module. It returns the number of contexts touched.
func (l *Library) invalidateLocked(name string) int {
	n := 0
	for ctx, mods := range l.compiled {
		c, ok := mods[name]
		if !ok {
			continue
		}
		if c.module != nil {
			c.module.Invalidate()
			ctx.EvictModule(c.module.ID())
			c.module.Drop()
		}
		delete(mods, name)
		n++
	}
	return n
}

// Forget drops every module compiled for ctx. Call it before discarding a
// Context that used the library.
func (l *Library) Forget(ctx *Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.compiled[ctx] {
		if c.module != nil {
			c.module.Drop()
		}
	}
	delete(l.compiled, ctx)
}
