package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"

	"github.com/guestjit/x64backend/hir"
)

const samplePath = "testdata/sample.toml"

func runMain(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	// Keep the environment from changing the backend configuration.
	for _, name := range []string{"X64BACKEND_DEBUG_FLAGS", "X64BACKEND_FEATURE_MASK", "X64BACKEND_WORKERS", "X64BACKEND_PERFMAP"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}

	var stdOut, stdErr bytes.Buffer
	exitCode := -1
	doMain(args, &stdOut, &stdErr, func(code int) { exitCode = code })
	return exitCode, stdOut.String(), stdErr.String()
}

func writeGraph(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "graph.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestTranslate_text(t *testing.T) {
	exitCode, stdOut, stdErr := runMain(t, []string{"translate", "--debug", "source_map", samplePath})
	require.Equal(t, 0, exitCode, stdErr)

	require.Contains(t, stdOut, "; features: ")
	require.Contains(t, stdOut, "\ninc@00010100:\n")
	require.Contains(t, stdOut, "\nclamp@00010200:\n")
	require.Contains(t, stdOut, "; guest 00010100 -> ")
	require.Contains(t, stdOut, "; guest 00010108 -> ")
	require.Contains(t, stdOut, "; trap: pack at 00010200: no lowering rule for pack\n")
	require.Contains(t, stdOut, "; trap: call_extern at 00010200: undefined extern log@00009000\n")
	require.Contains(t, stdOut, "SUBQ $0x28, SP")
	require.Contains(t, stdOut, "RET")
}

func TestTranslate_json(t *testing.T) {
	exitCode, stdOut, stdErr := runMain(t, []string{"translate", "-o", "json", "--features", "none", "--debug", "source_map", samplePath})
	require.Equal(t, 0, exitCode, stdErr)

	var out []functionOutput
	require.NoError(t, json.Unmarshal([]byte(stdOut), &out))
	require.Len(t, out, 2)

	inc := out[0]
	require.Equal(t, "inc", inc.Name)
	require.Equal(t, uint32(0x10100), inc.Address)
	require.Empty(t, inc.Error)
	require.Empty(t, inc.Diagnostics)
	require.Equal(t, 0x28, inc.StackSize)
	require.NotZero(t, inc.CodeSize)
	require.Len(t, inc.SourceMap, 3)
	for i, guest := range []uint32{0x10100, 0x10104, 0x10108} {
		require.Equal(t, guest, inc.SourceMap[i].GuestOffset)
	}
	// Without MOVBE the byte swapped store goes through BSWAP.
	require.Contains(t, inc.Disassembly, "BSWAP")

	require.Equal(t, "clamp", out[1].Name)
	require.Len(t, out[1].Diagnostics, 2)
}

func TestTranslate_failedFunction(t *testing.T) {
	path := writeGraph(t, `
[[function]]
name = "ok"
address = 0x10100
  [[function.instr]]
  op = "return"

[[function]]
name = "bad"
address = 0x10200
  [[function.instr]]
  op = "add"
  dest = "i32:7"
  src = ["i32:0", "i32:1"]
`)
	exitCode, stdOut, stdErr := runMain(t, []string{"translate", path})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stdOut, "\nok@00010100:\n; code size ")
	require.Contains(t, stdOut, "\nbad@00010200:\n; error: translating bad@00010200: ")
	require.Contains(t, stdErr, "Error: translating bad@00010200: ")
}

func TestTranslate_errors(t *testing.T) {
	badGraph := writeGraph(t, `
[[function]]
name = "f"
address = 0x10100
  [[function.instr]]
  op = "fdiv"
`)
	tests := []struct {
		name   string
		args   []string
		expErr string
	}{
		{name: "missing graph", args: []string{"translate"}, expErr: "accepts 1 arg(s), received 0"},
		{name: "output", args: []string{"translate", "-o", "yaml", samplePath}, expErr: `invalid output format "yaml"`},
		{name: "features", args: []string{"translate", "--features", "sse9", samplePath}, expErr: `unknown cpu feature "sse9"`},
		{name: "debug", args: []string{"translate", "--debug", "everything", samplePath}, expErr: `unknown debug info flag "everything"`},
		{name: "graph", args: []string{"translate", badGraph}, expErr: `function f: instr 0: unknown op "fdiv"`},
		{name: "unknown command", args: []string{"run"}, expErr: `unknown command "run"`},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exitCode, _, stdErr := runMain(t, tc.args)
			require.Equal(t, 1, exitCode)
			require.Contains(t, stdErr, tc.expErr)
		})
	}
}

func TestFeatures(t *testing.T) {
	exitCode, stdOut, _ := runMain(t, []string{"features"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdOut, "arch:")
	require.Contains(t, stdOut, "features:")
	require.Contains(t, stdOut, "executable:")
}

func TestHelp(t *testing.T) {
	exitCode, stdOut, _ := runMain(t, []string{"--help"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdOut, "x64emit translates hir function graphs")
	require.Contains(t, stdOut, "translate")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in       string
		expected *hir.Value
	}{
		{in: "i32:3", expected: hir.NewValue(hir.TypeInt32, 3)},
		{in: "v128:9", expected: hir.NewValue(hir.TypeVec128, 9)},
		{in: "i8#-1", expected: hir.ConstInt(hir.TypeInt8, 0xff)},
		{in: "i64#0x123456789", expected: hir.ConstInt(hir.TypeInt64, 0x123456789)},
		{in: "f32#1.5", expected: hir.ConstFloat32(1.5)},
		{in: "f64#-2", expected: hir.ConstFloat64(-2)},
		{in: "v128#1, 2, 3, 0xffffffff", expected: hir.ConstVec128(hir.Vec128Uint32s(1, 2, 3, 0xffffffff))},
	}
	for _, tc := range tests {
		v, err := parseValue(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expected, v, tc.in)
	}
}

func TestParseValue_errors(t *testing.T) {
	for in, expErr := range map[string]string{
		"i32":                    `value "i32": expected <type>:<slot> or <type>#<literal>`,
		"u32:1":                  `value "u32:1": unknown type "u32"`,
		"i32:-1":                 `value "i32:-1": invalid slot "-1"`,
		"i32#x":                  `value "i32#x": strconv.ParseUint: parsing "x": invalid syntax`,
		"v128#1,2":               `value "v128#1,2": a v128 constant has 4 lanes`,
		"v128#1,2,3,0x1ffffffff": `value "v128#1,2,3,0x1ffffffff": invalid lane "0x1ffffffff"`,
	} {
		_, err := parseValue(in)
		require.EqualError(t, err, expErr, in)
	}
}

func TestParseGraph_errors(t *testing.T) {
	tests := []struct {
		name, graph, expErr string
	}{
		{name: "empty", graph: "", expErr: "no functions"},
		{
			name:   "duplicate",
			graph:  "[[function]]\nname = \"f\"\n[[function]]\nname = \"f\"\n",
			expErr: "function f declared twice",
		},
		{
			name:   "unnamed",
			graph:  "[[function]]\naddress = 0x100\n",
			expErr: "function at 0x100 has no name",
		},
		{
			name:   "unknown call",
			graph:  "[[function]]\nname = \"f\"\n[[function.instr]]\nop = \"call\"\ncall = \"g\"\n",
			expErr: `function f: instr 0: unknown function "g"`,
		},
		{
			name:   "unknown flag",
			graph:  "[[function]]\nname = \"f\"\n[[function.instr]]\nop = \"return\"\nflags = [\"fast\"]\n",
			expErr: `function f: instr 0: unknown flag "fast"`,
		},
		{
			name:   "missing op",
			graph:  "[[function]]\nname = \"f\"\n[[function.instr]]\ndest = \"i32:0\"\n",
			expErr: "function f: instr 0: missing op",
		},
		{
			name:   "label with op",
			graph:  "[[function]]\nname = \"f\"\n[[function.instr]]\nop = \"return\"\nlabel = \"l\"\n",
			expErr: "function f: instr 0: label on an instruction with op",
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseGraph([]byte(tc.graph))
			require.EqualError(t, err, tc.expErr)
		})
	}
}

func TestParseGraph(t *testing.T) {
	data, err := os.ReadFile(samplePath)
	require.NoError(t, err)
	jobs, err := parseGraph(data)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	inc := jobs[0]
	require.Equal(t, "inc@00010100", inc.Function.String())
	require.Len(t, inc.Graph.Blocks, 2)
	require.Equal(t, "skip", inc.Graph.Blocks[1].Labels[0].Name)
	require.NoError(t, hir.Validate(inc.Graph))

	clamp := jobs[1].Graph.Blocks[0].Instrs
	require.Equal(t, inc.Function, clamp[0].Function)
	require.Equal(t, hir.CallTail, clamp[2].Flags)
}
