package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"

	"github.com/maxgio92/binctx"
)

type config struct {
	relocations   bool
	strict        bool
	processAll    bool
	discover      bool
	fold          bool
	jobs          int
	logLevel      string
	printSections bool
	printSymbols  bool
	printTables   bool
	printMetrics  bool
}

func main() {
	var cfg config
	flag.BoolVar(&cfg.relocations, "relocs", false, "treat the input as carrying complete static relocations")
	flag.BoolVar(&cfg.strict, "strict", false, "require every PC-relative data relocation to belong to a jump table")
	flag.BoolVar(&cfg.processAll, "process-all", false, "fail on code that no function accounts for")
	flag.BoolVar(&cfg.discover, "discover", false, "discover functions missing from the symbol table")
	flag.BoolVar(&cfg.fold, "icf", false, "fold identical functions")
	flag.IntVarP(&cfg.jobs, "jobs", "j", 0, "number of disassembly workers, 0 for no limit")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&cfg.printSections, "print-sections", false, "print the section table")
	flag.BoolVar(&cfg.printSymbols, "print-symbols", false, "print the global symbol table")
	flag.BoolVar(&cfg.printTables, "print-jump-tables", false, "print discovered jump tables")
	flag.BoolVar(&cfg.printMetrics, "print-metrics", false, "print analysis counters on exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <elf-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelFilter(cfg.logLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, flag.Arg(0), logger); err != nil {
		level.Error(logger).Log("msg", "analysis failed", "file", flag.Arg(0), "err", err, "fatal", binctx.IsFatal(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, path string, logger log.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reg := prometheus.NewRegistry()
	opts := []binctx.Option{
		binctx.WithLogger(logger),
		binctx.WithMetrics(binctx.NewMetrics(reg)),
		binctx.WithStrictMode(cfg.strict),
		binctx.WithProcessAllFunctions(cfg.processAll),
		binctx.WithFunctionDiscovery(cfg.discover),
	}
	// Only override the relocation mode the loader detects when asked to.
	if cfg.relocations {
		opts = append(opts, binctx.WithRelocations(true))
	}

	c, err := binctx.LoadELF(f, opts...)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "loaded", "arch", c.Arch().Arch(), "functions", len(c.Functions()), "relocs", c.HasRelocations())

	if err := c.Analyze(ctx, cfg.jobs, cfg.fold); err != nil {
		return err
	}

	simple := 0
	for _, fn := range c.Functions() {
		if fn.IsSimple() && fn.State() == binctx.StateDisassembled {
			simple++
		}
		level.Debug(logger).Log("function", fn)
	}
	level.Info(logger).Log("msg", "analyzed", "functions", len(c.Functions()), "simple", simple, "jump_tables", len(c.JumpTables()))

	if cfg.printSections {
		c.PrintSections(os.Stdout)
	}
	if cfg.printSymbols {
		c.PrintGlobalSymbols(os.Stdout)
	}
	if cfg.printTables {
		for _, jt := range c.JumpTables() {
			fmt.Fprintln(os.Stdout, jt)
		}
	}
	if cfg.printMetrics {
		families, err := reg.Gather()
		if err != nil {
			return err
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
				return err
			}
		}
	}
	return nil
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}
