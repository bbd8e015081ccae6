package compiler

import (
	"fmt"

	"github.com/gogpu/gpgpu"
)

// Target is a code generation output format.
type Target string

// Supported targets.
const (
	TargetWGSL  Target = "wgsl"
	TargetSPIRV Target = "spirv"
	TargetMSL   Target = "msl"
	TargetHLSL  Target = "hlsl"
	TargetGLSL  Target = "glsl"

	// TargetCPU carries the checked WGSL source only. The CPU backend runs
	// registered Go kernels and needs no device code.
	TargetCPU Target = "cpu"
)

// Targets lists every target in a stable order.
func Targets() []Target {
	return []Target{TargetWGSL, TargetSPIRV, TargetMSL, TargetHLSL, TargetGLSL, TargetCPU}
}

// ParseTarget returns the target with the given name.
func ParseTarget(name string) (Target, error) {
	for _, t := range Targets() {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("compiler: unknown target %q", name)
}

// TargetFor returns the native target of a backend kind.
func TargetFor(k gpgpu.Kind) Target {
	switch k {
	case gpgpu.KindVulkan, gpgpu.KindOpenCL:
		return TargetSPIRV
	case gpgpu.KindMetal:
		return TargetMSL
	case gpgpu.KindDirectX:
		return TargetHLSL
	case gpgpu.KindCPU:
		return TargetCPU
	default:
		return TargetWGSL
	}
}

// perEntry reports whether the target emits a single entry point per
// translation unit.
func (t Target) perEntry() bool {
	return t == TargetHLSL || t == TargetGLSL
}
