/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/ddflow/internal/buildinfo"
	"github.com/l7mp/ddflow/pkg/config"
	"github.com/l7mp/ddflow/pkg/dbsp"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/metrics"
	"github.com/l7mp/ddflow/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

type nested = lattice.Product[lattice.Epoch, lattice.Epoch]

// edgeChange is a single line of an edge script.
type edgeChange struct {
	src, dst int
	diff     int64
}

func main() {
	var configFile, diagramFile, diagramFormat, metricsAddr string
	var wait bool

	flag.StringVar(&configFile, "config", "", "Configuration file (YAML). Defaults are used when empty.")
	flag.StringVar(&diagramFile, "diagram", "", "Write a diagram of the dataflow to this file.")
	flag.StringVar(&diagramFormat, "diagram-format", "dot", "Diagram format: dot or mermaid.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "", "The address the metric endpoint binds to.")
	flag.BoolVar(&wait, "wait", false, "Keep serving metrics after the script is processed until interrupted.")

	opts := zap.Options{
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [edge-script]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		c, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot load config: %s\n", err)
			os.Exit(1)
		}
		cfg = c
	}
	if opts.Level == nil {
		level, err := parseLevel(cfg.Logging.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %s\n", err)
			os.Exit(1)
		}
		opts.Level = level
	}
	opts.Development = opts.Development || cfg.Logging.Development

	logger := zap.New(zap.UseFlagOptions(&opts))
	ctrl.SetLogger(logger.WithName("ddflow"))
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	setupLog.Info(fmt.Sprintf("starting ddflow %s", buildInfo.String()))

	input := io.Reader(os.Stdin)
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			setupLog.Error(err, "cannot open edge script")
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}
	script, err := parseScript(input)
	if err != nil {
		setupLog.Error(err, "cannot parse edge script")
		os.Exit(1)
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
	}
	if reg != nil && metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				setupLog.Error(err, "metrics server failed")
			}
		}()
		defer srv.Close()
	}

	ctx := ctrl.SetupSignalHandler()

	scope, err := runScript(ctx, cfg, logger, reg, script, os.Stdout)
	if err != nil {
		setupLog.Error(err, "dataflow failed")
		os.Exit(1)
	}
	defer scope.Close()

	if diagramFile != "" {
		gen, err := visualize.NewGenerator(diagramFormat)
		if err != nil {
			setupLog.Error(err, "cannot render diagram")
			os.Exit(1)
		}
		if err := os.WriteFile(diagramFile, []byte(gen.Generate(visualize.BuildGraph(scope))), 0o644); err != nil {
			setupLog.Error(err, "cannot write diagram")
			os.Exit(1)
		}
	}

	if wait {
		setupLog.Info("waiting for interrupt")
		<-ctx.Done()
	}
}

// parseLevel converts a configured log level into a zap level. Numeric levels are logr
// verbosities.
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "error":
		return zapcore.ErrorLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	}
	n, err := strconv.Atoi(level)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return zapcore.Level(-n), nil
}

// parseScript reads an edge script. Each line holds an edge "src dst", optionally prefixed with
// "+" or "-" to insert or remove it. Blank lines and "---" separate epochs; "#" starts a
// comment.
func parseScript(r io.Reader) ([][]edgeChange, error) {
	epochs := [][]edgeChange{}
	current := []edgeChange{}
	flush := func() {
		if len(current) > 0 {
			epochs = append(epochs, current)
			current = []edgeChange{}
		}
	}

	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || (len(fields) == 1 && fields[0] == "---") {
			flush()
			continue
		}

		diff := int64(1)
		switch fields[0] {
		case "+":
			fields = fields[1:]
		case "-":
			diff, fields = -1, fields[1:]
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected an edge, got %q", lineNo, scanner.Text())
		}
		src, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid source: %w", lineNo, err)
		}
		dst, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid destination: %w", lineNo, err)
		}
		current = append(current, edgeChange{src: src, dst: dst, diff: diff})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return epochs, nil
}

// reachability returns the pairs of nodes connected by a path.
func reachability(edges *dbsp.Collection[int, int, lattice.Epoch]) *dbsp.Collection[int, int, lattice.Epoch] {
	return dbsp.Iterate(edges, func(child *dbsp.Scope[nested], paths *dbsp.Collection[int, int, nested]) *dbsp.Collection[int, int, nested] {
		entered := dbsp.Enter(child, edges)
		byDst := dbsp.Arrange(dbsp.Map(paths, func(src, dst int) (int, int) { return dst, src }))
		longer := dbsp.JoinMap(byDst, dbsp.Arrange(entered), func(_ int, src, dst int) (int, int) { return src, dst })
		return dbsp.Distinct(dbsp.Arrange(dbsp.Concat(entered, longer))).Collection
	})
}

// runScript feeds the script into a reachability dataflow one epoch at a time and writes the
// changes of the reachable pairs after each epoch.
func runScript(ctx context.Context, cfg *config.Config, log logr.Logger, reg *prometheus.Registry, script [][]edgeChange, out io.Writer) (*dbsp.Scope[lattice.Epoch], error) {
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(cfg.Metrics.Namespace, reg)
	}
	scope := dbsp.NewScope[lattice.Epoch](dbsp.OptionsFromConfig("reach", cfg, log, m))
	edges := dbsp.NewInput[int, int](scope, "edges")
	sub := dbsp.Subscribe(reachability(edges.Collection()))

	for e, changes := range script {
		for _, c := range changes {
			if err := edges.Update(c.src, c.dst, c.diff); err != nil {
				return scope, err
			}
		}
		if err := edges.AdvanceTo(lattice.Epoch(e + 1)); err != nil {
			return scope, err
		}
		if err := scope.Run(ctx); err != nil {
			return scope, err
		}
		for _, u := range sub.Drain() {
			fmt.Fprintf(out, "epoch %d: %+d %d -> %d\n", u.Time, u.Diff, u.Key, u.Val)
		}
	}
	edges.Close()
	if err := scope.Run(ctx); err != nil {
		return scope, err
	}
	return scope, nil
}
