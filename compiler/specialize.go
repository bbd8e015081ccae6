package compiler

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gogpu/gpgpu"
)

// Specialization rewrites WGSL source before it reaches the front end.
// Pipeline-overridable constants are turned into plain constants with the
// requested values and @workgroup_size arguments are folded to literals,
// which is all the naga front end accepts there.
var (
	overrideDecl  = regexp.MustCompile(`(?m)^[ \t]*(?:@id\([ \t]*\d+[ \t]*\)[ \t]*)?override[ \t]+(\w+)[ \t]*(?::[ \t]*([\w<>]+))?[ \t]*(?:=[ \t]*([^;]+))?;`)
	constDecl     = regexp.MustCompile(`(?m)^const[ \t]+(\w+)[ \t]*(?::[ \t]*([\w<>]+))?[ \t]*=[ \t]*([^;]+);`)
	workgroupAttr = regexp.MustCompile(`@workgroup_size\(([^)]*)\)`)
	storageVar    = regexp.MustCompile(`var[ \t]*<[ \t]*storage[ \t]*(?:,[ \t]*(read_write|read|write)[ \t]*)?>[ \t]*(\w+)`)
	intLiteral    = regexp.MustCompile(`^(\d+)[ui]?$`)
	identPattern  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// SpecializeOptions selects what Specialize rewrites.
type SpecializeOptions struct {
	// Constants override values of override and module-scope const
	// declarations by name.
	Constants map[string]float64

	// Entry and WorkgroupSize replace the workgroup size of one entry point.
	Entry         string
	WorkgroupSize *[3]uint32

	// Strict rejects override declarations that have neither a default
	// nor a value in Constants. Otherwise they become zero.
	Strict bool
}

// Specialize rewrites code according to opts. It fails with a
// gpgpu.CompileError naming the first problem found.
func Specialize(name, code string, opts SpecializeOptions) (string, error) {
	var problems []string
	declared := make(map[string]bool)

	code = overrideDecl.ReplaceAllStringFunc(code, func(decl string) string {
		m := overrideDecl.FindStringSubmatch(decl)
		ident, typ, def := m[1], m[2], strings.TrimSpace(m[3])
		declared[ident] = true

		value := def
		if v, ok := opts.Constants[ident]; ok {
			lit, err := literal(typ, v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("override %s: %v", ident, err))
				return decl
			}
			value = lit
		}
		if value == "" {
			if opts.Strict {
				problems = append(problems, fmt.Sprintf("override %s has no default and no value", ident))
				return decl
			}
			value, _ = literal(typ, 0)
		}
		if typ != "" {
			return fmt.Sprintf("const %s: %s = %s;", ident, typ, value)
		}
		return fmt.Sprintf("const %s = %s;", ident, value)
	})

	code = constDecl.ReplaceAllStringFunc(code, func(decl string) string {
		m := constDecl.FindStringSubmatch(decl)
		ident, typ := m[1], m[2]
		if declared[ident] {
			// Produced by the override rewrite above.
			return decl
		}
		declared[ident] = true
		v, ok := opts.Constants[ident]
		if !ok {
			return decl
		}
		lit, err := literal(typ, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("const %s: %v", ident, err))
			return decl
		}
		if typ != "" {
			return fmt.Sprintf("const %s: %s = %s;", ident, typ, lit)
		}
		return fmt.Sprintf("const %s = %s;", ident, lit)
	})

	var unknown []string
	for n := range opts.Constants {
		if !declared[n] {
			unknown = append(unknown, n)
		}
	}
	sort.Strings(unknown)
	for _, n := range unknown {
		problems = append(problems, fmt.Sprintf("no override or const named %s", n))
	}

	code = foldWorkgroupSizes(code, integerConstants(code))

	if opts.WorkgroupSize != nil {
		var err error
		code, err = replaceWorkgroupSize(code, opts.Entry, *opts.WorkgroupSize)
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return "", &gpgpu.CompileError{Module: name, Messages: problems}
	}
	return code, nil
}

// literal spells v as a WGSL literal of type typ. An empty typ yields an
// abstract int or float.
func literal(typ string, v float64) (string, error) {
	integral := v == math.Trunc(v) && !math.IsInf(v, 0)
	switch typ {
	case "u32":
		if !integral || v < 0 || v > math.MaxUint32 {
			return "", fmt.Errorf("%v is not a u32", v)
		}
		return strconv.FormatUint(uint64(v), 10) + "u", nil
	case "i32":
		if !integral || v < math.MinInt32 || v > math.MaxInt32 {
			return "", fmt.Errorf("%v is not an i32", v)
		}
		return strconv.FormatInt(int64(v), 10) + "i", nil
	case "bool":
		return strconv.FormatBool(v != 0), nil
	case "f32", "f16", "":
		if typ == "" && integral && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10), nil
		}
		s := strconv.FormatFloat(v, 'g', -1, 32)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s, nil
	}
	return "", fmt.Errorf("type %s cannot be specialized", typ)
}

// integerConstants collects module-scope constants initialized with an
// integer literal.
func integerConstants(code string) map[string]string {
	out := make(map[string]string)
	for _, m := range constDecl.FindAllStringSubmatch(code, -1) {
		if lit := intLiteral.FindStringSubmatch(strings.TrimSpace(m[3])); lit != nil {
			out[m[1]] = lit[1]
		}
	}
	return out
}

// foldWorkgroupSizes replaces constant names and suffixed literals inside
// every @workgroup_size attribute with plain integer literals.
func foldWorkgroupSizes(code string, consts map[string]string) string {
	return workgroupAttr.ReplaceAllStringFunc(code, func(attr string) string {
		args := strings.Split(workgroupAttr.FindStringSubmatch(attr)[1], ",")
		for i, a := range args {
			a = strings.TrimSpace(a)
			if lit := intLiteral.FindStringSubmatch(a); lit != nil {
				a = lit[1]
			} else if identPattern.MatchString(a) {
				if v, ok := consts[a]; ok {
					a = v
				}
			}
			args[i] = a
		}
		return "@workgroup_size(" + strings.Join(args, ", ") + ")"
	})
}

// replaceWorkgroupSize rewrites the @workgroup_size attribute of entry.
func replaceWorkgroupSize(code, entry string, wg [3]uint32) (string, error) {
	if entry == "" {
		entry = gpgpu.DefaultEntryPoint
	}
	re, err := regexp.Compile(`@workgroup_size\([^)]*\)((?:\s*@\w+(?:\([^)]*\))?)*)\s*fn\s+` + regexp.QuoteMeta(entry) + `\s*\(`)
	if err != nil {
		return "", err
	}
	loc := re.FindStringSubmatchIndex(code)
	if loc == nil {
		return "", fmt.Errorf("entry point %s has no @workgroup_size attribute", entry)
	}
	attr := fmt.Sprintf("@workgroup_size(%d, %d, %d)", wg[0], wg[1], wg[2])
	return code[:loc[0]] + attr + code[loc[2]:], nil
}

// StorageAccess returns the declared access mode of every storage buffer
// variable in code. Storage variables without an explicit mode are read-only.
func StorageAccess(code string) map[string]gpgpu.Access {
	out := make(map[string]gpgpu.Access)
	for _, m := range storageVar.FindAllStringSubmatch(code, -1) {
		switch m[1] {
		case "read_write", "write":
			out[m[2]] = gpgpu.AccessReadWrite
		default:
			out[m[2]] = gpgpu.AccessRead
		}
	}
	return out
}
