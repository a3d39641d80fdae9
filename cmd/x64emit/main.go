// Command x64emit translates guest functions described in TOML and prints the generated code.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guestjit/x64backend"
	"github.com/guestjit/x64backend/debuginfo"
)

func main() {
	doMain(os.Args[1:], os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	cmd := newRootCmd(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		exit(1)
		return
	}
	exit(0)
}

func newRootCmd(stdOut, stdErr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "x64emit",
		Short:        "x64emit translates hir function graphs into x86-64 machine code",
		SilenceUsage: true,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.AddCommand(newTranslateCmd(), newFeaturesCmd())
	return root
}

type translateOptions struct {
	configPath string
	features   string
	debugFlags string
	format     string
	verbose    bool
}

func newTranslateCmd() *cobra.Command {
	var o translateOptions
	cmd := &cobra.Command{
		Use:   "translate <graph.toml>",
		Short: "Translate the functions of a graph file and print their code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], o)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.configPath, "config", "c", "", "backend configuration file (TOML)")
	flags.StringVar(&o.features, "features", "", `comma separated cpu features generated code may use, e.g. "avx2,bmi2" or "none"`)
	flags.StringVar(&o.debugFlags, "debug", "", "additional debug info flags, e.g. source_map,trace_call_return")
	flags.StringVarP(&o.format, "output", "o", "text", "output format: text or json")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log translations to stderr")
	return cmd
}

// functionOutput is the JSON form of one translation.
type functionOutput struct {
	Name        string                     `json:"name"`
	Address     uint32                     `json:"address"`
	Error       string                     `json:"error,omitempty"`
	CodeSize    int                        `json:"code_size"`
	StackSize   int                        `json:"stack_size"`
	Diagnostics []string                   `json:"diagnostics,omitempty"`
	SourceMap   []debuginfo.SourceMapEntry `json:"source_map,omitempty"`
	Disassembly string                     `json:"disassembly,omitempty"`
}

func runTranslate(stdOut, stdErr io.Writer, path string, o translateOptions) error {
	if o.format != "text" && o.format != "json" {
		return fmt.Errorf("invalid output format %q", o.format)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jobs, err := parseGraph(data)
	if err != nil {
		return fmt.Errorf("invalid graph %s: %w", path, err)
	}

	config, err := x64backend.LoadBackendConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.features != "" {
		mask, err := x64backend.ParseCpuFeatures(o.features)
		if err != nil {
			return err
		}
		config = config.WithFeatureMask(mask)
	}
	flags := config.DebugFlags() | debuginfo.FlagDisasmMachineCode
	if o.debugFlags != "" {
		extra, err := debuginfo.ParseFlags(o.debugFlags)
		if err != nil {
			return err
		}
		flags |= extra
	}
	config = config.WithDebugFlags(flags)
	if o.verbose {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(stdErr), zapcore.DebugLevel)
		config = config.WithLogger(zap.New(core))
	}

	b, err := x64backend.NewBackend(config)
	if err != nil {
		return err
	}
	defer b.Close()

	results, translateErr := b.TranslateAll(context.Background(), jobs)
	out := make([]functionOutput, len(jobs))
	errs := multierr.Errors(translateErr)
	for i, job := range jobs {
		out[i] = functionOutput{Name: job.Function.Name(), Address: job.Function.Address()}
		res := results[i]
		if res == nil {
			out[i].Error = errorFor(job.Function.String(), errs)
			continue
		}
		out[i].CodeSize, out[i].StackSize = res.CodeSize, res.StackSize
		for _, d := range res.Diagnostics {
			out[i].Diagnostics = append(out[i].Diagnostics, d.String())
		}
		out[i].SourceMap = res.DebugInfo.SourceMap()
		out[i].Disassembly = res.DebugInfo.Disassembly()
	}

	if o.format == "json" {
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printText(stdOut, b.Features(), out)
	}
	return translateErr
}

// errorFor returns the error message mentioning fn.
func errorFor(fn string, errs []error) string {
	for _, err := range errs {
		if msg := err.Error(); strings.Contains(msg, fn) {
			return msg
		}
	}
	return "not translated"
}

func printText(w io.Writer, features x64backend.CpuFeature, out []functionOutput) {
	fmt.Fprintf(w, "; features: %s\n", features)
	for _, f := range out {
		fmt.Fprintf(w, "\n%s@%08x:\n", f.Name, f.Address)
		if f.Error != "" {
			fmt.Fprintf(w, "; error: %s\n", f.Error)
			continue
		}
		fmt.Fprintf(w, "; code size %d, frame size %d\n", f.CodeSize, f.StackSize)
		for _, d := range f.Diagnostics {
			fmt.Fprintf(w, "; trap: %s\n", d)
		}
		for _, e := range f.SourceMap {
			fmt.Fprintf(w, "; guest %08x -> %#x\n", e.GuestOffset, e.CodeOffset)
		}
		_, _ = io.WriteString(w, f.Disassembly)
	}
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Print the host cpu features generated code can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "arch:       %s\n", runtime.GOARCH)
			fmt.Fprintf(w, "cpu:        %s\n", x64backend.HostCPU())
			fmt.Fprintf(w, "features:   %s\n", x64backend.HostFeatures())
			fmt.Fprintf(w, "executable: %t\n", x64backend.CanExecute())
			return nil
		},
	}
}
