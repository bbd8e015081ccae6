// Package cpu implements a gpgpu.Backend that runs compute work on the
// host.
//
// Shader source is still compiled and reflected, so parameter checking and
// specialization behave as on a GPU backend. Buffers use the scalar layout
// of Go memory in every address space. The entry point bodies are Go
// functions:
//
//	b := cpu.New(cpu.WithKernel("main", func(inv cpu.Invocation, args *cpu.Args) {
//		i := int(inv.GlobalID[0])
//		args.SetFloat32("out", i, args.Float32("in", i)+1)
//	}))
//
// Workgroups of one dispatch run in parallel on a bounded set of
// goroutines. Invocations within a workgroup run sequentially, so kernels
// cannot rely on workgroup barriers or workgroup memory.
//
// The backend advertises every capability except RenderPipelines.
// Timestamps are host monotonic clock readings in nanoseconds.
package cpu
