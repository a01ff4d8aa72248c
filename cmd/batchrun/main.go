// Command batchrun runs a shell command across every package in a
// workspace, in dependency order, with bounded concurrency, resumable
// checkpoints, and automatic retry of transient failures. It wires
// together the engine packages under internal/ the way
// cmd/autobuilder/autobuilder.go wires together its own build loop: flag
// parsing, an interruptible top-level context, and an optional status
// HTTP server. Besides the default "run" verb, it exposes the manual
// recovery operations over a suspended checkpoint (retry, skip, reset,
// validate, hints) as verbs too, the same map-of-verb-to-func dispatch
// cmd/distri/distri.go uses for its own install/update/reset/gc/etc.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fatih/color"
	"github.com/google/renameio"
	"github.com/lpar/gzipped/v2"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/distr1/batchrun"
	"github.com/distr1/batchrun/internal/checkpoint"
	"github.com/distr1/batchrun/internal/depcheck"
	"github.com/distr1/batchrun/internal/event"
	"github.com/distr1/batchrun/internal/execstate"
	batchlog "github.com/distr1/batchrun/internal/log"
	"github.com/distr1/batchrun/internal/pkggraph"
	"github.com/distr1/batchrun/internal/pkglog"
	"github.com/distr1/batchrun/internal/recovery"
	"github.com/distr1/batchrun/internal/resource"
	"github.com/distr1/batchrun/internal/taskpool"
)

// recoveryVerbs are the manual-recovery operations exposed on a suspended
// checkpoint's state, each named the way cmd/distri/distri.go names its own
// verbs (build, install, gc, reset, ...). "validate" and "hints" are
// read-only and handled directly in runRecovery instead of through this
// table, since they never call store.Save.
var recoveryVerbs = map[string]func(mgr *recovery.Manager, s *execstate.State, args []string) error{
	"retry": func(mgr *recovery.Manager, s *execstate.State, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("retry requires at least one package name")
		}
		for _, pkg := range args {
			if err := mgr.RetryFailed(s, pkg); err != nil {
				return err
			}
		}
		return nil
	},
	"skip": func(mgr *recovery.Manager, s *execstate.State, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("skip requires at least one package name")
		}
		mgr.SkipPackages(s, args)
		return nil
	},
	"reset": func(mgr *recovery.Manager, s *execstate.State, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("reset requires at least one package name")
		}
		for _, pkg := range args {
			mgr.ResetPackage(s, pkg)
		}
		return nil
	},
}

// runRecovery loads the checkpoint in checkpointDir, applies verb to its
// state (or, for the two read-only verbs, just inspects it), and for
// mutating verbs persists the result back through the same Store.Save path
// TaskPool itself uses.
func runRecovery(g *pkggraph.Graph, checkpointDir, verb string, args []string) error {
	store := checkpoint.NewStore(checkpointDir)
	result, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if result == nil {
		return fmt.Errorf("no checkpoint found in %s", checkpointDir)
	}
	cp := result.Checkpoint
	s := checkpoint.FromStateSnapshot(cp.State)
	if s.RetryAttempts == nil {
		s.RetryAttempts = map[string]int{}
	}
	for pkg, n := range cp.RetryAttempts {
		s.RetryAttempts[pkg] = n
	}

	mgr := recovery.New(depcheck.New(g))

	switch verb {
	case "validate":
		if err := recovery.ValidateState(s, g.Names()); err != nil {
			return err
		}
		fmt.Println("checkpoint state is valid")
		return nil
	case "hints":
		for _, h := range mgr.GenerateRecoveryHints(s) {
			fmt.Printf("[%s] %s\n", h.Type, h.Message)
			if h.Actionable && h.SuggestedCommand != "" {
				fmt.Printf("    -> %s\n", h.SuggestedCommand)
			}
		}
		return nil
	}

	fn, ok := recoveryVerbs[verb]
	if !ok {
		return fmt.Errorf("unknown recovery verb %q (want retry, skip, reset, validate, or hints)", verb)
	}
	if err := fn(mgr, s, args); err != nil {
		return err
	}

	cp.State = checkpoint.ToStateSnapshot(s)
	cp.RetryAttempts = s.RetryAttempts
	cp.RecoveryHints = mgr.GenerateRecoveryHints(s)
	cp.CanRecover = len(s.Failed) > 0
	if err := store.Save(cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	fmt.Printf("recovery %q applied to %v\n", verb, args)
	return nil
}

// manifestPackage is the JSON shape of one workspace package, the
// external graph-builder contract spec.md §1 places out of this
// engine's scope: batchrun reads it, but does not compute it.
type manifestPackage struct {
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	Dependencies []string `json:"dependencies"`
	Version      string   `json:"version"`
}

func loadManifest(path string) (*pkggraph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workspace manifest: %w", err)
	}
	var entries []manifestPackage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing workspace manifest: %w", err)
	}
	packages := make(map[string]pkggraph.Package, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		packages[e.Name] = pkggraph.Package{
			Name:         e.Name,
			Path:         e.Path,
			Dependencies: e.Dependencies,
			Version:      e.Version,
		}
		order = append(order, e.Name)
	}
	return pkggraph.New(packages, order)
}

// shellSkipMarker is the one well-defined skip marker spec.md §1's
// Non-goals permit the engine to interpret: a command reporting it had
// nothing to do prints this as the first line of its output.
const shellSkipMarker = "BATCHRUN_SKIP_NO_CHANGES"

// shellRunner implements taskpool.Runner by running a fixed shell command
// in each package's directory, additionally persisting a compressed copy
// of its output via pkglog so a failure can be inspected after the fact.
type shellRunner struct {
	command string
	logs    *pkglog.Dir

	mu       sync.Mutex
	attempts map[string]int
}

func (r *shellRunner) nextAttempt(pkg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.attempts[pkg]++
	return r.attempts[pkg]
}

func (r *shellRunner) Run(ctx context.Context, pkg pkggraph.Package, env []string, output io.Writer) (bool, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Dir = pkg.Path
	cmd.Env = append(os.Environ(), env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	output.Write(buf.Bytes())

	if r.logs != nil {
		if _, err := r.logs.Write(pkg.Name, r.nextAttempt(pkg.Name), buf.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "batchrun: %v\n", err)
		}
	}

	changed := !strings.HasPrefix(buf.String(), shellSkipMarker)
	return changed, runErr
}

var statusTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><head><title>batchrun status</title></head>
<body>
<h1>execution {{ .ExecutionID }}</h1>
<p>completed: {{ .Completed }} &middot; failed: {{ .Failed }} &middot; skipped: {{ .Skipped }} &middot; running: {{ .Running }}</p>
<p>last updated {{ .LastUpdated }}</p>
</body></html>`))

// statusSnapshot is the JSON/template-facing view of statusState, taken
// under its mutex so concurrent HTTP requests never see a torn update.
type statusSnapshot struct {
	ExecutionID string
	Completed   int
	Failed      int
	Skipped     int
	Running     int
	LastUpdated time.Time
}

type statusState struct {
	mu   sync.Mutex
	snap statusSnapshot
}

func (s *statusState) apply(fn func(*statusSnapshot)) statusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.LastUpdated = time.Now()
	return s.snap
}

func (s *statusState) get() statusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func serveStatus(addr string, st *statusState, reg *prometheus.Registry, logDir string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if err := statusTmpl.Execute(w, st.get()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/status.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.get())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if logDir != "" {
		mux.Handle("/logs/", http.StripPrefix("/logs/", gzipped.FileServer(http.Dir(logDir))))
	}
	go http.ListenAndServe(addr, mux)
}

func printColorLine(snap statusSnapshot) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("\r%s running, %s completed, %s failed   ",
		yellow(fmt.Sprintf("%d", snap.Running)),
		green(fmt.Sprintf("%d", snap.Completed)),
		red(fmt.Sprintf("%d", snap.Failed)))
}

func main() {
	var (
		manifestPath   = flag.String("workspace", "workspace.json", "path to the JSON workspace manifest (name/path/dependencies/version per package)")
		command        = flag.String("command", "", "shell command to run in each package's directory")
		maxConcurrency = flag.Int("max_concurrency", 4, "maximum number of packages executed simultaneously")
		maxRetries     = flag.Int("max_retries", 2, "maximum automatic retries for a retriable failure")
		checkpointDir  = flag.String("checkpoint_dir", ".batchrun", "directory holding checkpoint.json and its lock/backup files")
		logDir         = flag.String("log_dir", "", "if non-empty, directory to write compressed per-package logs to")
		httpAddr       = flag.String("http_addr", "", "if non-empty, serve a status page and Prometheus metrics on this address")
		executionID    = flag.String("execution_id", "", "identifier stamped into the checkpoint; defaults to the checkpoint directory's base name")
	)
	flag.Parse()

	args := flag.Args()
	verb := "run"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb != "run" {
		g, err := loadManifest(*manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "batchrun: %v\n", err)
			os.Exit(1)
		}
		if err := runRecovery(g, *checkpointDir, verb, args); err != nil {
			fmt.Fprintf(os.Stderr, "batchrun: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *command == "" {
		fmt.Fprintln(os.Stderr, "-command is required")
		os.Exit(2)
	}
	if *executionID == "" {
		*executionID = filepath.Base(*checkpointDir)
	}

	ctx, cancel := batchrun.InterruptibleContext()
	defer cancel()

	g, err := loadManifest(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batchrun: %v\n", err)
		os.Exit(1)
	}
	if _, cyclic := g.HasCycle(); cyclic {
		fmt.Fprintln(os.Stderr, "batchrun: workspace graph contains a cycle")
		os.Exit(1)
	}

	logger := batchlog.New()
	bus := event.NewBus()

	reg := prometheus.NewRegistry()
	metrics := resource.NewMetrics(reg, "batchrun")

	st := &statusState{snap: statusSnapshot{ExecutionID: *executionID}}
	bus.Subscribe(func(e event.Event) {
		snap := st.apply(func(s *statusSnapshot) {
			switch e.Name {
			case event.PackageStarted:
				s.Running++
			case event.PackageCompleted:
				s.Running--
				s.Completed++
			case event.PackageSkippedNoChange, event.PackageSkipped:
				s.Running--
				s.Skipped++
			case event.PackageFailed:
				s.Running--
				s.Failed++
			}
		})
		printColorLine(snap)
	})

	if *httpAddr != "" {
		serveStatus(*httpAddr, st, reg, *logDir)
	}

	runner := &shellRunner{command: *command}
	if *logDir != "" {
		runner.logs = pkglog.NewDir(*logDir)
	}

	pool := taskpool.New(g, runner, logger, bus, taskpool.Options{
		MaxConcurrency: *maxConcurrency,
		MaxRetries:     *maxRetries,
		ExecutionID:    *executionID,
		Command:        *command,
		CheckpointDir:  *checkpointDir,
		Metrics:        metrics,
	})

	// Point checkpointDir's parent "latest" symlink at this run, the same
	// rename-on-write idiom cmd/autobuilder/autobuilder.go uses to point a
	// branch name at the commit it most recently finished building.
	if parent := filepath.Dir(*checkpointDir); parent != "." {
		if err := renameio.Symlink(filepath.Base(*checkpointDir), filepath.Join(parent, "latest")); err != nil {
			logger.Warn("could not update latest-execution symlink: %v", err)
		}
	}

	result, err := pool.Execute(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nbatchrun: %v\n", err)
		if cleanupErr := batchrun.RunAtExit(); cleanupErr != nil {
			fmt.Fprintf(os.Stderr, "batchrun: at-exit cleanup: %v\n", cleanupErr)
		}
		os.Exit(1)
	}

	fmt.Printf("\n%d completed, %d failed, %d skipped, %d skipped-no-changes, in %v\n",
		len(result.Completed), len(result.Failed), len(result.Skipped), len(result.SkippedNoChanges), result.Duration)

	if err := batchrun.RunAtExit(); err != nil {
		fmt.Fprintf(os.Stderr, "batchrun: at-exit cleanup: %v\n", err)
	}
	if len(result.Failed) > 0 {
		os.Exit(1)
	}
}
