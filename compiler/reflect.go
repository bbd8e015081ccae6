package compiler

import (
	"fmt"

	"github.com/gogpu/naga/ir"

	"github.com/gogpu/gpgpu"
)

// typeOf converts a naga IR type to a TypeDescriptor.
func typeOf(m *ir.Module, h ir.TypeHandle) (gpgpu.TypeDescriptor, error) {
	if int(h) >= len(m.Types) {
		return nil, fmt.Errorf("type handle %d out of range", h)
	}
	t := m.Types[h]
	switch x := t.Inner.(type) {
	case ir.ScalarType:
		return scalarOf(x), nil
	case ir.AtomicType:
		return scalarOf(x.Scalar), nil
	case ir.VectorType:
		return gpgpu.Vector{Elem: scalarOf(x.Scalar), Count: uint8(x.Size)}, nil
	case ir.MatrixType:
		return gpgpu.Matrix{Elem: scalarOf(x.Scalar), Columns: uint8(x.Columns), Rows: uint8(x.Rows)}, nil
	case ir.ArrayType:
		elem, err := typeOf(m, x.Base)
		if err != nil {
			return nil, err
		}
		var n uint32
		if x.Size.Constant != nil {
			n = *x.Size.Constant
		}
		return gpgpu.Array{Elem: elem, Count: n}, nil
	case ir.StructType:
		s := gpgpu.Struct{Name: t.Name, Fields: make([]gpgpu.Field, len(x.Members))}
		for i, mem := range x.Members {
			ft, err := typeOf(m, mem.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, mem.Name, err)
			}
			s.Fields[i] = gpgpu.Field{Name: mem.Name, Offset: uint64(mem.Offset), Type: ft}
		}
		return s, nil
	case ir.ImageType:
		return gpgpu.Texture{
			Dims:    textureDims(x.Dim),
			Format:  gpgpu.FormatAny,
			Arrayed: x.Arrayed,
			Class:   textureClass(x.Class),
		}, nil
	case ir.SamplerType:
		return gpgpu.Sampler{Comparison: x.Comparison}, nil
	}
	return nil, fmt.Errorf("type %q (%T) cannot be a shader parameter", t.Name, t.Inner)
}

func scalarOf(s ir.ScalarType) gpgpu.Scalar {
	switch s.Kind {
	case ir.ScalarSint:
		return gpgpu.Scalar{Kind: gpgpu.ScalarSint, Width: s.Width}
	case ir.ScalarUint:
		return gpgpu.Scalar{Kind: gpgpu.ScalarUint, Width: s.Width}
	case ir.ScalarFloat:
		return gpgpu.Scalar{Kind: gpgpu.ScalarFloat, Width: s.Width}
	}
	return gpgpu.Bool
}

func textureDims(d ir.ImageDimension) gpgpu.TextureDims {
	switch d {
	case ir.Dim1D:
		return gpgpu.Texture1D
	case ir.Dim3D:
		return gpgpu.Texture3D
	case ir.DimCube:
		return gpgpu.TextureCube
	}
	return gpgpu.Texture2D
}

func textureClass(c ir.ImageClass) gpgpu.TextureClass {
	switch c {
	case ir.ImageClassDepth:
		return gpgpu.TextureDepth
	case ir.ImageClassStorage:
		return gpgpu.TextureStorage
	}
	return gpgpu.TextureSampled
}

// usedGlobals returns the global variables reachable from function f,
// directly or through calls, in handle order.
func usedGlobals(m *ir.Module, f *ir.Function) []ir.GlobalVariableHandle {
	seenFn := make(map[ir.FunctionHandle]bool)
	seenVar := make(map[ir.GlobalVariableHandle]bool)

	var visit func(ir.FunctionHandle)
	var walk func(ir.Block)
	walk = func(b ir.Block) {
		for _, st := range b {
			switch s := st.Kind.(type) {
			case ir.StmtCall:
				visit(s.Function)
			case ir.StmtBlock:
				walk(s.Block)
			case ir.StmtIf:
				walk(s.Accept)
				walk(s.Reject)
			case ir.StmtLoop:
				walk(s.Body)
				walk(s.Continuing)
			case ir.StmtSwitch:
				for _, c := range s.Cases {
					walk(c.Body)
				}
			}
		}
	}
	var scan func(*ir.Function)
	visit = func(h ir.FunctionHandle) {
		if seenFn[h] || int(h) >= len(m.Functions) {
			return
		}
		seenFn[h] = true
		scan(&m.Functions[h])
	}
	scan = func(fn *ir.Function) {
		for _, e := range fn.Expressions {
			switch x := e.Kind.(type) {
			case ir.ExprGlobalVariable:
				seenVar[x.Variable] = true
			case ir.ExprCallResult:
				visit(x.Function)
			}
		}
		walk(fn.Body)
	}
	scan(f)

	out := make([]ir.GlobalVariableHandle, 0, len(seenVar))
	for h := range m.GlobalVariables {
		if seenVar[ir.GlobalVariableHandle(h)] {
			out = append(out, ir.GlobalVariableHandle(h))
		}
	}
	return out
}

// reflector builds ReflectionTables for one compiled module.
type reflector struct {
	name    string
	module  *ir.Module
	access  map[string]gpgpu.Access
	rules   func(gpgpu.AddressSpace) gpgpu.LayoutRules
	nonPOD  bool
	backend string
}

// parameter converts one bound global to a ParameterBinding. ok is false
// for globals that are not externally bound.
func (r *reflector) parameter(gv ir.GlobalVariable) (p gpgpu.ParameterBinding, ok bool, err error) {
	if gv.Binding == nil {
		return p, false, nil
	}
	slot := gpgpu.Slot{Group: gv.Binding.Group, Binding: gv.Binding.Binding}
	t, err := typeOf(r.module, gv.Type)
	if err != nil {
		return p, false, fmt.Errorf("%s at %s: %w", gv.Name, slot, err)
	}

	switch gv.Space {
	case ir.SpaceUniform:
		rules := r.rules(gpgpu.SpaceUniform)
		if err := r.checkPOD(gv.Name, t, rules); err != nil {
			return p, false, err
		}
		return gpgpu.NewParameter(gv.Name, slot, gpgpu.UniformOf(t), rules), true, nil
	case ir.SpaceStorage:
		rules := r.rules(gpgpu.SpaceStorage)
		if err := r.checkPOD(gv.Name, t, rules); err != nil {
			return p, false, err
		}
		access, found := r.access[gv.Name]
		if !found {
			access = gpgpu.AccessRead
		}
		return gpgpu.NewParameter(gv.Name, slot, gpgpu.StorageOf(t, access), rules), true, nil
	case ir.SpaceHandle:
		return gpgpu.ParameterBinding{Name: gv.Name, Slot: slot, Type: t}, true, nil
	}
	return p, false, nil
}

func (r *reflector) checkPOD(name string, t gpgpu.TypeDescriptor, rules gpgpu.LayoutRules) error {
	if r.nonPOD || gpgpu.IsPOD(t, rules) {
		return nil
	}
	return &gpgpu.UnsupportedCapabilityError{
		Backend:    r.backend,
		Capability: gpgpu.CapNonPodTypes,
		Op:         fmt.Sprintf("reflect %s.%s (%s under %s)", r.name, name, t, rules),
	}
}

// table builds the ReflectionTable of entry point ep.
func (r *reflector) table(ep ir.EntryPoint) (*gpgpu.ReflectionTable, error) {
	var params []gpgpu.ParameterBinding
	for _, h := range usedGlobals(r.module, &ep.Function) {
		p, ok, err := r.parameter(r.module.GlobalVariables[h])
		if err != nil {
			return nil, err
		}
		if ok {
			params = append(params, p)
		}
	}
	return gpgpu.NewReflectionTable(ep.Name, ep.Workgroup, params)
}

// computeEntries selects the compute entry points named in want, or all
// of them when want is empty.
func computeEntries(m *ir.Module, want []string) ([]ir.EntryPoint, []string) {
	var out []ir.EntryPoint
	byName := make(map[string]ir.EntryPoint)
	for _, ep := range m.EntryPoints {
		if ep.Stage != ir.StageCompute {
			continue
		}
		byName[ep.Name] = ep
		if len(want) == 0 {
			out = append(out, ep)
		}
	}
	if len(want) == 0 {
		return out, nil
	}
	var missing []string
	for _, n := range want {
		ep, ok := byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out = append(out, ep)
	}
	return out, missing
}
