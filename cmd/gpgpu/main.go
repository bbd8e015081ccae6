// Command gpgpu inspects and runs WGSL compute shaders.
//
// Usage:
//
//	gpgpu [flags] caps
//	gpgpu [flags] reflect [-entry name] shader.wgsl
//	gpgpu [flags] compile [-target spirv] [-o out] [-D NAME=value] shader.wgsl
//	gpgpu [flags] run [-n 1024] [-entry name] [-D NAME=value] shader.wgsl
//
// Global flags select a TOML configuration file, the backend and the log
// level. caps and reflect print YAML.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/backend/cpu"
	"github.com/gogpu/gpgpu/backend/native"
	"github.com/gogpu/gpgpu/backend/stub"
	"github.com/gogpu/gpgpu/config"
)

type globals struct {
	cfg     *config.Config
	backend string
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("gpgpu: ")

	var (
		configPath = flag.String("config", "", "TOML configuration file")
		backend    = flag.String("backend", "", "backend kind (overrides the configuration)")
		verbose    = flag.Bool("v", false, "log debug output to stderr")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if *verbose {
		gpgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	g := &globals{cfg: cfg, backend: *backend}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "caps":
		err = runCaps(g, args)
	case "reflect":
		err = runReflect(g, args)
	case "compile":
		err = runCompile(g, args)
	case "run":
		err = runRun(g, args)
	default:
		log.Printf("unknown command %q", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gpgpu [flags] caps|reflect|compile|run [args]\n\nflags:\n")
	flag.PrintDefaults()
}

// registry returns a registry with every backend this binary knows about,
// in the configured priority order.
func (g *globals) registry() *gpgpu.Registry {
	r := gpgpu.NewRegistry(g.cfg.Backends...)
	native.Register(r, native.WithCompilerOptions(g.cfg.CompilerOptions()...))
	cpu.Register(r, g.cfg.CPUOptions()...)
	stub.Register(r)
	return r
}

// open opens the backend chosen by -backend, the configuration or the
// registry default, in that order.
func (g *globals) open() (gpgpu.Backend, error) {
	r := g.registry()
	if g.backend != "" {
		k, err := gpgpu.ParseKind(g.backend)
		if err != nil {
			return nil, err
		}
		return r.Open(k)
	}
	return g.cfg.Open(r)
}

// defines collects repeated -D NAME=value flags.
type defines map[string]float64

func (d defines) String() string {
	parts := make([]string, 0, len(d))
	for k, v := range d {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	return strings.Join(parts, ",")
}

func (d defines) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("want NAME=value, got %q", s)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	d[name] = v
	return nil
}

// readSource reads the single shader file argument of a subcommand.
func readSource(fs *flag.FlagSet) (gpgpu.Source, error) {
	if fs.NArg() != 1 {
		return gpgpu.Source{}, fmt.Errorf("%s: want one shader file, got %d arguments", fs.Name(), fs.NArg())
	}
	path := fs.Arg(0)
	code, err := os.ReadFile(path)
	if err != nil {
		return gpgpu.Source{}, err
	}
	return gpgpu.Source{Name: path, Code: string(code)}, nil
}
