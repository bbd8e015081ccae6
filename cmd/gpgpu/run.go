package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gpgpu"
)

// runRun dispatches one entry point over n invocations. Every buffer
// parameter gets a fresh buffer; storage buffers are filled with 0, 1, 2...
// as f32 and the writable ones are printed afterwards.
func runRun(g *globals, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	n := fs.Uint("n", 1024, "number of invocations along x")
	entry := fs.String("entry", gpgpu.DefaultEntryPoint, "entry point")
	show := fs.Int("show", 8, "number of result values to print per buffer")
	timeout := fs.Duration("timeout", 10*time.Second, "time to wait for the dispatch")
	consts := defines{}
	fs.Var(consts, "D", "set an override constant, NAME=value (repeatable)")
	_ = fs.Parse(args)

	src, err := readSource(fs)
	if err != nil {
		return err
	}
	b, err := g.open()
	if err != nil {
		return err
	}
	ctx, err := gpgpu.NewContext(b, g.cfg.ContextOptions()...)
	if err != nil {
		return err
	}
	defer ctx.Close(context.Background())

	m, err := ctx.Compile(src, *entry)
	if err != nil {
		return err
	}
	desc := gpgpu.PipelineDescriptor{EntryPoint: *entry}
	if len(consts) > 0 {
		desc.Constants = consts
	}
	p, err := ctx.Pipeline(m, desc)
	if err != nil {
		return err
	}

	count := uint64(*n)
	var outputs []gpgpu.ParameterBinding
	handles := make(map[string]gpgpu.ResourceHandle)
	for _, param := range p.Reflection().Params() {
		buf, ok := param.Type.(gpgpu.Buffer)
		if !ok {
			continue
		}
		size := bufferSize(param, count)
		usage := gpgpu.BufferUsageStorage
		if buf.Space == gpgpu.SpaceUniform {
			usage = gpgpu.BufferUsageUniform
		}
		h, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Label: param.Name, Size: size, Usage: usage | gpgpu.BufferUsageCopySrc})
		if err != nil {
			return err
		}
		if usage == gpgpu.BufferUsageStorage {
			if err := ctx.WriteBuffer(h, 0, ramp(size)); err != nil {
				return err
			}
		}
		if err := ctx.Bind(p, param.Slot, h, param.Type); err != nil {
			return err
		}
		handles[param.Name] = h
		if buf.Space == gpgpu.SpaceStorage && buf.Access == gpgpu.AccessReadWrite {
			outputs = append(outputs, param)
		}
	}

	start := time.Now()
	f, err := ctx.Launch(p, [3]uint32{uint32(count), 1, 1})
	if err != nil {
		return err
	}
	wait, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := f.Wait(wait); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("%s on %s: %d invocations in %s\n", *entry, b.Name(), count, elapsed)
	if pair, ok, err := ctx.Timestamps(f); err == nil && ok {
		fmt.Printf("device time: %dns\n", pair.Duration())
	}
	for _, param := range outputs {
		h := handles[param.Name]
		length := min(uint64(*show)*4, h.Size())
		data, err := ctx.ReadBuffer(wait, h, 0, length)
		if err != nil {
			return err
		}
		fmt.Printf("%s:", param.Name)
		for i := 0; i+4 <= len(data); i += 4 {
			fmt.Printf(" %g", math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
		}
		fmt.Println()
	}
	return nil
}

// bufferSize returns a buffer size for param holding count runtime array
// elements.
func bufferSize(param gpgpu.ParameterBinding, count uint64) uint64 {
	l := gpgpu.Layout(param.Type, param.Rules)
	size := l.Size + l.Stride*count
	return max((size+15)&^15, 16)
}

func ramp(size uint64) []byte {
	data := make([]byte, size)
	for i := uint64(0); i+4 <= size; i += 4 {
		binary.LittleEndian.PutUint32(data[i:], math.Float32bits(float32(i/4)))
	}
	return data
}
