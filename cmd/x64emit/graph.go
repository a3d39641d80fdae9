package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/guestjit/x64backend"
	"github.com/guestjit/x64backend/hir"
	"github.com/guestjit/x64backend/symbol"
)

// graphFile is a set of guest functions in their hir form. Values are written "<type>:<slot>"
// for registers and "<type>#<literal>" for constants, e.g. "i32:0" or "f32#1.5". A v128
// constant lists its four 32-bit lanes: "v128#0x1,0x2,0x3,0x4".
//
//	[[function]]
//	name = "inc"
//	address = 0x10100
//
//	[[function.instr]]
//	op = "load_context"
//	dest = "i64:0"
//	offset = 0x10
//
// An instruction without op binds label to the next instruction.
type graphFile struct {
	Functions []graphFunction `toml:"function"`
	Externs   []graphExtern   `toml:"extern"`
}

type graphFunction struct {
	Name       string       `toml:"name"`
	Address    uint32       `toml:"address"`
	EndAddress uint32       `toml:"end_address"`
	Instrs     []graphInstr `toml:"instr"`
}

// graphExtern declares a host function calls can reference without a handler, so calling it traps.
type graphExtern struct {
	Name    string `toml:"name"`
	Address uint32 `toml:"address"`
}

type graphInstr struct {
	Op      string   `toml:"op"`
	Dest    string   `toml:"dest"`
	Src     []string `toml:"src"`
	Label   string   `toml:"label"`
	Target  string   `toml:"target"`
	Call    string   `toml:"call"`
	Flags   []string `toml:"flags"`
	Offset  uint64   `toml:"offset"`
	Comment string   `toml:"comment"`
}

var instrFlags = map[string]uint32{
	"tail":            hir.CallTail,
	"possible_return": hir.CallPossibleReturn,
	"byte_swap":       hir.MemoryByteSwap,
}

// parseGraph decodes a graph file into translation jobs, in file order.
func parseGraph(data []byte) ([]x64backend.Job, error) {
	var g graphFile
	if err := toml.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	if len(g.Functions) == 0 {
		return nil, errors.New("no functions")
	}

	symbols := map[string]*symbol.FunctionInfo{}
	declare := func(name string, fn *symbol.FunctionInfo) error {
		if name == "" {
			return fmt.Errorf("function at %#x has no name", fn.Address())
		}
		if _, ok := symbols[name]; ok {
			return fmt.Errorf("function %s declared twice", name)
		}
		symbols[name] = fn
		return nil
	}
	for _, e := range g.Externs {
		if err := declare(e.Name, symbol.NewExtern(e.Name, e.Address, 0)); err != nil {
			return nil, err
		}
	}
	for _, f := range g.Functions {
		end := f.EndAddress
		if end == 0 {
			end = f.Address + 4*uint32(len(f.Instrs))
		}
		if err := declare(f.Name, symbol.NewFunction(f.Name, f.Address, end)); err != nil {
			return nil, err
		}
	}

	jobs := make([]x64backend.Job, 0, len(g.Functions))
	for _, f := range g.Functions {
		graph, err := buildGraph(f, symbols)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", f.Name, err)
		}
		jobs = append(jobs, x64backend.Job{Function: symbols[f.Name], Graph: graph})
	}
	return jobs, nil
}

func buildGraph(f graphFunction, symbols map[string]*symbol.FunctionInfo) (*hir.Function, error) {
	b := hir.NewBuilder()
	labels := map[string]*hir.Label{}
	label := func(name string) *hir.Label {
		l, ok := labels[name]
		if !ok {
			l = b.NewLabel(name)
			labels[name] = l
		}
		return l
	}

	for i, gi := range f.Instrs {
		if gi.Op == "" {
			if gi.Label == "" {
				return nil, fmt.Errorf("instr %d: missing op", i)
			}
			b.MarkLabel(label(gi.Label))
			continue
		}
		if gi.Label != "" {
			return nil, fmt.Errorf("instr %d: label on an instruction with op", i)
		}
		op, ok := hir.ParseOpcode(gi.Op)
		if !ok {
			return nil, fmt.Errorf("instr %d: unknown op %q", i, gi.Op)
		}
		instr := &hir.Instr{Opcode: op, Offset: gi.Offset, Comment: gi.Comment}
		if gi.Dest != "" {
			v, err := parseValue(gi.Dest)
			if err != nil {
				return nil, fmt.Errorf("instr %d: %w", i, err)
			}
			instr.Dest = v
		}
		if len(gi.Src) > len(instr.Src) {
			return nil, fmt.Errorf("instr %d: %d sources, at most %d", i, len(gi.Src), len(instr.Src))
		}
		for j, s := range gi.Src {
			v, err := parseValue(s)
			if err != nil {
				return nil, fmt.Errorf("instr %d: %w", i, err)
			}
			instr.Src[j] = v
		}
		if gi.Target != "" {
			instr.Label = label(gi.Target)
		}
		if gi.Call != "" {
			fn, ok := symbols[gi.Call]
			if !ok {
				return nil, fmt.Errorf("instr %d: unknown function %q", i, gi.Call)
			}
			instr.Function = fn
		}
		for _, name := range gi.Flags {
			flag, ok := instrFlags[name]
			if !ok {
				return nil, fmt.Errorf("instr %d: unknown flag %q", i, name)
			}
			instr.Flags |= flag
		}
		b.Append(instr)
	}
	return b.Function(), nil
}

// parseValue parses "<type>:<slot>" or "<type>#<literal>".
func parseValue(s string) (*hir.Value, error) {
	if typ, slot, ok := strings.Cut(s, ":"); ok {
		t, ok := hir.ParseTypeName(typ)
		if !ok {
			return nil, fmt.Errorf("value %q: unknown type %q", s, typ)
		}
		n, err := strconv.Atoi(slot)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("value %q: invalid slot %q", s, slot)
		}
		return hir.NewValue(t, n), nil
	}

	typ, lit, ok := strings.Cut(s, "#")
	if !ok {
		return nil, fmt.Errorf("value %q: expected <type>:<slot> or <type>#<literal>", s)
	}
	t, ok := hir.ParseTypeName(typ)
	if !ok {
		return nil, fmt.Errorf("value %q: unknown type %q", s, typ)
	}
	switch {
	case t.IsInt():
		v, err := parseInt(lit)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", s, err)
		}
		return hir.ConstInt(t, v), nil
	case t == hir.TypeFloat32:
		f, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", s, err)
		}
		return hir.ConstFloat32(float32(f)), nil
	case t == hir.TypeFloat64:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", s, err)
		}
		return hir.ConstFloat64(f), nil
	default:
		lanes := strings.Split(lit, ",")
		if len(lanes) != 4 {
			return nil, fmt.Errorf("value %q: a v128 constant has 4 lanes", s)
		}
		var u [4]uint32
		for i, lane := range lanes {
			v, err := parseInt(strings.TrimSpace(lane))
			if err != nil || v > math.MaxUint32 {
				return nil, fmt.Errorf("value %q: invalid lane %q", s, lane)
			}
			u[i] = uint32(v)
		}
		return hir.ConstVec128(hir.Vec128Uint32s(u[0], u[1], u[2], u[3])), nil
	}
}

// parseInt accepts unsigned and negative literals in any base strconv recognizes.
func parseInt(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		return uint64(v), err
	}
	return strconv.ParseUint(s, 0, 64)
}
