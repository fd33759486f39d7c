package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/guide"
	dlog "github.com/zboralski/drover/internal/log"
	"github.com/zboralski/drover/internal/program"
	"github.com/zboralski/drover/internal/script"
	"github.com/zboralski/drover/internal/trace"
	"github.com/zboralski/drover/internal/ui/colorize"
)

var (
	verbose   bool
	resetMem  bool
	noShims   bool
	follow    bool
	maxPaths  int
	count     uint64
	scriptArg string
	regArgs   []string
	baseAddr  string
	archArg   string
	endArg    string
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Path-guided emulation for binary triage",
		Long: `Drover emulates functions from an analysis export using Unicorn Engine,
forcing execution down every discovered path to a target address so the
machine state at the target can be inspected regardless of what the
branch conditions would decide.

Examples:
  drover info export.yaml                     # Show export summary
  drover paths export.yaml 0x401234           # List block paths to a target
  drover force export.yaml 0x401234           # Force-execute to a target
  drover callers export.yaml malloc           # Force-execute to every malloc call site
  drover run export.yaml 0x401000             # Free-range emulate a function
  drover bytes shell.bin --arch arm64         # Emulate a raw code file`,
		DisableFlagsInUseLine: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	infoCmd := &cobra.Command{
		Use:   "info <export.yaml>",
		Short: "Show analysis export summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	pathsCmd := &cobra.Command{
		Use:   "paths <export.yaml> <target>",
		Short: "List block paths from function entry to a target address",
		Args:  cobra.ExactArgs(2),
		RunE:  runPaths,
	}
	pathsCmd.Flags().IntVar(&maxPaths, "max-paths", 0, "cap paths per target (0 = all)")

	forceCmd := &cobra.Command{
		Use:   "force <export.yaml> <target>...",
		Short: "Force-execute to each target address",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runForce,
	}
	forceCmd.Flags().IntVar(&maxPaths, "max-paths", 0, "cap paths per target (0 = all)")
	forceCmd.Flags().BoolVar(&resetMem, "reset-mem", false, "rebuild memory from the image before each run")
	forceCmd.Flags().Uint64Var(&count, "count", 0, "cap emulated instructions per run (0 = unbounded)")
	forceCmd.Flags().StringVar(&scriptArg, "script", "", "JavaScript hook file")

	callersCmd := &cobra.Command{
		Use:   "callers <export.yaml> <function>",
		Short: "Force-execute to every call site of a function",
		Args:  cobra.ExactArgs(2),
		RunE:  runCallers,
	}
	callersCmd.Flags().IntVar(&maxPaths, "max-paths", 0, "cap paths per target (0 = all)")
	callersCmd.Flags().Uint64Var(&count, "count", 0, "cap emulated instructions per run (0 = unbounded)")
	callersCmd.Flags().StringVar(&scriptArg, "script", "", "JavaScript hook file")

	runCmd := &cobra.Command{
		Use:   "run <export.yaml> <start>",
		Short: "Free-range emulate from an address",
		Args:  cobra.ExactArgs(2),
		RunE:  runRange,
	}
	runCmd.Flags().StringVar(&endArg, "end", "", "stop address (default: end of start's function)")
	runCmd.Flags().BoolVar(&follow, "follow-calls", false, "emulate into called functions")
	runCmd.Flags().BoolVar(&noShims, "no-shims", false, "disable the runtime shim layer")
	runCmd.Flags().Uint64Var(&count, "count", 0, "cap emulated instructions (0 = unbounded)")
	runCmd.Flags().StringArrayVar(&regArgs, "reg", nil, "seed a register, name=value or name=\"string\"")

	bytesCmd := &cobra.Command{
		Use:   "bytes <code.bin>",
		Short: "Emulate a raw code file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBytes,
	}
	bytesCmd.Flags().StringVar(&archArg, "arch", "arm64", "architecture (arm64, x86_64)")
	bytesCmd.Flags().StringVar(&baseAddr, "base", "0x400000", "load address")
	bytesCmd.Flags().Uint64Var(&count, "count", 0, "cap emulated instructions (0 = unbounded)")
	bytesCmd.Flags().StringArrayVar(&regArgs, "reg", nil, "seed a register, name=value or name=\"string\"")

	rootCmd.AddCommand(infoCmd, pathsCmd, forceCmd, callersCmd, runCmd, bytesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func setup() {
	dlog.Init(verbose)
}

func loadDB(path string) (*program.Database, error) {
	db, err := program.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return db, nil
}

// resolveAddr accepts a hex or decimal address, or a symbol name from the
// export.
func resolveAddr(db *program.Database, s string) (uint64, error) {
	if v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64); err == nil && strings.HasPrefix(s, "0x") {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	for addr, name := range db.Names {
		if name == s {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("cannot resolve %q to an address", s)
}

// symbol renders the best name for addr, demangled when possible.
func symbol(db *program.Database, addr uint64) string {
	if name := db.NameAt(addr); name != "" {
		return demangle.Filter(name)
	}
	return fmt.Sprintf("sub_%x", addr)
}

func runInfo(cmd *cobra.Command, args []string) error {
	setup()
	db, err := loadDB(args[0])
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("Analysis export"))
	fmt.Printf("  arch: %s  abi: %v\n", db.Arch, db.ABI)
	fmt.Printf("  image: %s - %s\n", colorize.Address(db.MinAddr()), colorize.Address(db.MaxAddr()))

	fmt.Println(headerStyle.Render("Segments"))
	for _, seg := range db.Segments {
		fmt.Printf("  %-16s %s  %s\n", seg.Name, colorize.Address(seg.Addr),
			statStyle.Render(fmt.Sprintf("%#x bytes", seg.Size)))
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("Functions (%d)", len(db.Functions))))
	fns := append([]*program.Function(nil), db.Functions...)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Start < fns[j].Start })
	for _, fn := range fns {
		fmt.Printf("  %s  %-40s %s\n", colorize.Address(fn.Start),
			colorize.FuncName(symbol(db, fn.Start)),
			statStyle.Render(fmt.Sprintf("%d blocks", len(fn.Blocks))))
	}
	return nil
}

func runPaths(cmd *cobra.Command, args []string) error {
	setup()
	db, err := loadDB(args[0])
	if err != nil {
		return err
	}
	target, err := resolveAddr(db, args[1])
	if err != nil {
		return err
	}
	h, err := guide.New(db)
	if err != nil {
		return err
	}
	defer h.Close()

	fn, ok := db.FunctionAt(target)
	if !ok {
		return fmt.Errorf("no function contains %#x", target)
	}
	flow, paths := h.Explorer.AllPaths(fn, target, maxPaths)
	if len(paths) == 0 {
		if _, p, ok := h.Explorer.FirstPath(fn, target); ok {
			paths = [][]int{p}
		}
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%d path(s) from %s to %s",
		len(paths), colorize.Address(fn.Start), colorize.Address(target))))
	for i, p := range paths {
		parts := make([]string, len(p))
		for j, id := range p {
			parts[j] = fmt.Sprintf("#%d@%s", id, colorize.Address(flow[id].Start))
		}
		fmt.Printf("  path %d: %s\n", i, strings.Join(parts, " -> "))
	}

	if blk := fn.BlockAt(target); blk != nil {
		fmt.Println(headerStyle.Render("Target block"))
		for pc := blk.Start; pc < blk.End; {
			text, n := db.Disasm(pc)
			if n == 0 {
				break
			}
			fmt.Printf("  %s  %s\n", colorize.Address(pc), colorize.Instruction(text))
			pc += uint64(n)
		}
	}
	return nil
}

// report prints the recorded events and a one-line summary.
func report(rec *trace.Recorder) {
	for _, e := range rec.Events() {
		line := fmt.Sprintf("%s  %-7s %s", colorize.Address(e.PC), e.Kind, colorize.FuncName(e.Name))
		if len(e.Argv) > 0 {
			argv := make([]string, len(e.Argv))
			for i, a := range e.Argv {
				argv[i] = fmt.Sprintf("%#x", a)
			}
			line += "  " + statStyle.Render("("+strings.Join(argv, ", ")+")")
		}
		if e.Detail != "" {
			line += "  " + colorize.Value(e.Detail)
		}
		fmt.Println(line)
	}
	hits := len(rec.ByKind(trace.TargetHit))
	fmt.Println(statStyle.Render(fmt.Sprintf("%d event(s), %d target hit(s)", rec.Len(), hits)))
}

// forceOpts assembles the Iterate options and trace-recording hooks
// shared by force and callers.
func forceOpts(db *program.Database, rec *trace.Recorder) (guide.TargetHook, []guide.RunOption, error) {
	var eng *script.Engine
	if scriptArg != "" {
		var err error
		eng, err = script.Load(scriptArg)
		if err != nil {
			return nil, nil, err
		}
	}

	targetHook := func(h *guide.Helper, ctx *guide.Context, addr uint64, argv []uint64) {
		detail := ""
		// A pointer argument that reads as text is usually the
		// interesting part; surface the first one.
		for _, a := range argv[:4] {
			if s := h.ReadCString(a); len(s) >= 4 && isPrintable(s) {
				detail = strconv.Quote(s)
				break
			}
		}
		rec.Record(trace.New(trace.TargetHit, addr, symbol(db, addr), detail).WithArgv(argv))
		if eng != nil {
			if hook := eng.TargetHook(); hook != nil {
				hook(h, ctx, addr, argv)
			}
		}
	}

	opts := []guide.RunOption{
		guide.WithMaxPaths(maxPaths),
		guide.WithCount(count),
		guide.WithCallHook(func(h *guide.Helper, ctx *guide.Context, addr uint64, argv []uint64, name string) {
			rec.Record(trace.New(trace.Call, addr, demangle.Filter(name), "").WithArgv(argv))
			if eng != nil {
				if hook := eng.CallHook(); hook != nil {
					hook(h, ctx, addr, argv, name)
				}
			}
		}),
	}
	if resetMem {
		opts = append(opts, guide.WithMemReset())
	}
	return targetHook, opts, nil
}

func runForce(cmd *cobra.Command, args []string) error {
	setup()
	db, err := loadDB(args[0])
	if err != nil {
		return err
	}
	targets := make([]uint64, 0, len(args)-1)
	for _, s := range args[1:] {
		t, err := resolveAddr(db, s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	h, err := guide.New(db)
	if err != nil {
		return err
	}
	defer h.Close()

	rec := &trace.Recorder{}
	hook, opts, err := forceOpts(db, rec)
	if err != nil {
		return err
	}
	if err := h.Iterate(targets, hook, opts...); err != nil {
		return err
	}
	report(rec)
	return nil
}

func runCallers(cmd *cobra.Command, args []string) error {
	setup()
	db, err := loadDB(args[0])
	if err != nil {
		return err
	}
	fnAddr, err := resolveAddr(db, args[1])
	if err != nil {
		return err
	}
	h, err := guide.New(db)
	if err != nil {
		return err
	}
	defer h.Close()

	rec := &trace.Recorder{}
	hook, opts, err := forceOpts(db, rec)
	if err != nil {
		return err
	}
	if err := h.IterateCallers(fnAddr, hook, opts...); err != nil {
		return err
	}
	report(rec)
	return nil
}

func runRange(cmd *cobra.Command, args []string) error {
	setup()
	db, err := loadDB(args[0])
	if err != nil {
		return err
	}
	start, err := resolveAddr(db, args[1])
	if err != nil {
		return err
	}
	var end uint64
	if endArg != "" {
		if end, err = resolveAddr(db, endArg); err != nil {
			return err
		}
	}
	h, err := guide.New(db)
	if err != nil {
		return err
	}
	defer h.Close()

	opts := []guide.RunOption{guide.WithCount(count)}
	if follow {
		opts = append(opts, guide.WithFollowCalls())
	}
	if noShims {
		opts = append(opts, guide.WithoutShims())
	}
	seeds, err := parseRegSeeds(regArgs)
	if err != nil {
		return err
	}
	opts = append(opts, seeds...)

	rec := &trace.Recorder{}
	opts = append(opts, guide.WithCallHook(func(hh *guide.Helper, ctx *guide.Context, addr uint64, argv []uint64, name string) {
		rec.Record(trace.New(trace.Call, addr, demangle.Filter(name), "").WithArgv(argv))
	}))

	if _, err := h.EmulateRange(start, end, opts...); err != nil {
		return err
	}
	report(rec)
	fmt.Println(headerStyle.Render("Final state"))
	fmt.Println(h.StateString())
	return nil
}

func runBytes(cmd *cobra.Command, args []string) error {
	setup()
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var arch emulator.Arch
	switch archArg {
	case "arm64", "aarch64":
		arch = emulator.ARM64
	case "x86_64", "amd64":
		arch = emulator.X86_64
	default:
		return fmt.Errorf("unsupported arch %q", archArg)
	}
	base, err := strconv.ParseUint(strings.TrimPrefix(baseAddr, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("bad base address %q", baseAddr)
	}
	h, err := guide.NewRaw(arch)
	if err != nil {
		return err
	}
	defer h.Close()

	opts := []guide.RunOption{guide.WithBaseAddr(base), guide.WithCount(count)}
	seeds, err := parseRegSeeds(regArgs)
	if err != nil {
		return err
	}
	opts = append(opts, seeds...)

	if _, err := h.EmulateBytes(code, opts...); err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("Final state"))
	fmt.Println(h.StateString())
	return nil
}

func parseRegSeeds(seeds []string) ([]guide.RunOption, error) {
	var opts []guide.RunOption
	for _, seed := range seeds {
		name, val, ok := strings.Cut(seed, "=")
		if !ok {
			return nil, fmt.Errorf("bad register seed %q, want name=value", seed)
		}
		if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2 {
			opts = append(opts, guide.WithRegister(name, guide.Str(val[1:len(val)-1])))
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 64)
		if err != nil {
			if v, err = strconv.ParseUint(val, 10, 64); err != nil {
				return nil, fmt.Errorf("bad register value %q", val)
			}
		}
		opts = append(opts, guide.WithRegister(name, guide.Num(v)))
	}
	return opts, nil
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
