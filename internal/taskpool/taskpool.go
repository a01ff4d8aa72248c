// Package taskpool implements the engine's main loop: given a package
// graph and a way to execute one package's command, it dispatches ready
// packages up to the concurrency budget, waits for completions, cascades
// failures, persists a checkpoint after every state change, and retries
// retriable failures with exponential backoff. It replaces
// internal/batch/batch.go's static N-worker channel pool with a
// per-dispatch-goroutine model sized by internal/resource.Monitor. The
// concurrency budget is fixed when the TaskPool is built; a low-memory
// warning from the Monitor is only logged.
package taskpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/batchrun/internal/checkpoint"
	"github.com/distr1/batchrun/internal/classify"
	"github.com/distr1/batchrun/internal/depcheck"
	"github.com/distr1/batchrun/internal/event"
	"github.com/distr1/batchrun/internal/execcontext"
	"github.com/distr1/batchrun/internal/execstate"
	"github.com/distr1/batchrun/internal/log"
	"github.com/distr1/batchrun/internal/pkggraph"
	"github.com/distr1/batchrun/internal/recovery"
	"github.com/distr1/batchrun/internal/resource"
	"github.com/distr1/batchrun/internal/scheduler"
	"github.com/distr1/batchrun/internal/syncutil"
)

// Runner executes one package's command. Implementations are supplied by
// the caller: the graph and the mechanics of invocation are outside
// taskpool's concerns, which is the scheduler and recovery layer sitting
// on top of both. changed reports whether the package actually did work
// (false routes it to SkippedNoChanges rather than Completed).
type Runner interface {
	Run(ctx context.Context, pkg pkggraph.Package, env []string, output io.Writer) (changed bool, err error)
}

// Options configures a TaskPool.
type Options struct {
	MaxConcurrency  int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	ExecutionID     string
	Command         string
	CheckpointDir   string
	DispatchPoll    time.Duration // how often the main loop rechecks backoff timers
	Metrics         *resource.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.DispatchPoll <= 0 {
		o.DispatchPoll = 200 * time.Millisecond
	}
}

// TaskPool is the assembled engine: a fixed graph plus the components
// that schedule, throttle, persist, and recover its execution.
type TaskPool struct {
	graph   *pkggraph.Graph
	checker *depcheck.Checker
	sched   *scheduler.Scheduler
	monitor *resource.Monitor
	store   *checkpoint.Store
	recov   *recovery.Manager
	bus     *event.Bus
	logger  log.Logger
	runner  Runner
	opts    Options

	mu           sync.Mutex
	nextEligible map[string]time.Time // pkg -> earliest time it may be redispatched after a retriable failure

	// published guards publishedVersions, the one piece of execution state
	// a caller may legitimately read from outside the main loop (e.g. a
	// status endpoint) while Execute is still running, per spec.md's
	// RunExclusive contract for shared state accessed outside the loop.
	published         *syncutil.Mutex
	publishedVersions map[string]string
}

func New(g *pkggraph.Graph, runner Runner, logger log.Logger, bus *event.Bus, opts Options) *TaskPool {
	opts.setDefaults()
	checker := depcheck.New(g)
	monitorOpts := []resource.Option{
		resource.WithWarningHandler(func(w resource.Warning) {
			logger.Warn("%s (%.1f%% free)", w.Message, w.FreePercent)
		}),
	}
	if opts.Metrics != nil {
		monitorOpts = append(monitorOpts, resource.WithMetrics(opts.Metrics))
	}
	return &TaskPool{
		graph:        g,
		checker:      checker,
		sched:        scheduler.New(g, checker),
		monitor:      resource.New(opts.MaxConcurrency, monitorOpts...),
		store:        checkpoint.NewStore(opts.CheckpointDir),
		recov:        recovery.New(checker),
		bus:          bus,
		logger:       logger,
		runner:            runner,
		opts:              opts,
		nextEligible:      make(map[string]time.Time),
		published:         syncutil.NewMutex(),
		publishedVersions: make(map[string]string),
	}
}

// PublishedVersions returns a defensive copy of every package's published
// version recorded so far, safe to call concurrently with a running
// Execute. Serialised through syncutil.Mutex rather than TaskPool's own mu,
// since this is the one piece of state a caller outside the main loop
// (e.g. a status endpoint) may legitimately read while dispatch continues.
func (p *TaskPool) PublishedVersions() map[string]string {
	out := make(map[string]string)
	p.published.RunExclusive(func() error {
		for k, v := range p.publishedVersions {
			out[k] = v
		}
		return nil
	})
	return out
}

func (p *TaskPool) recordPublished(pkg, version string) {
	if version == "" {
		return
	}
	p.published.RunExclusive(func() error {
		p.publishedVersions[pkg] = version
		return nil
	})
}

// ExecutionResult summarises a finished run. A deadlocked or cancelled run
// returns an error from Execute and no ExecutionResult.
type ExecutionResult struct {
	ExecutionID string
	Completed   []string
	Failed      []string
	Skipped     []string
	SkippedNoChanges []string
	Duration    time.Duration
	State       *execstate.State
}

// Execute runs every package in the graph to completion (or permanent
// failure), resuming from any existing checkpoint in opts.CheckpointDir.
func (p *TaskPool) Execute(ctx context.Context) (*ExecutionResult, error) {
	start := time.Now()

	state, resumed, err := p.loadOrInitState()
	if err != nil {
		return nil, xerrors.Errorf("taskpool: initialising state: %w", err)
	}
	p.checker.RecomputeReady(state)

	p.bus.Emit(event.Event{
		Name: event.ExecutionStarted,
		Data: map[string]interface{}{"executionId": p.opts.ExecutionID, "resumed": resumed},
	})
	p.logger.Info("execution %s starting (resumed=%v), %d package(s) total", p.opts.ExecutionID, resumed, len(p.graph.Names()))

	type outcome struct {
		pkg     string
		changed bool
		err     error
		output  string
		end     time.Time
	}

	results := make(chan outcome)
	eg, egCtx := errgroup.WithContext(ctx)
	running := 0
	ticker := time.NewTicker(p.opts.DispatchPoll)
	defer ticker.Stop()

	// dispatch starts as many Ready, backoff-eligible packages as there are
	// free slots. Its bool result reports whether any Ready/Pending package
	// was held back purely by an unexpired retry backoff, which the caller
	// uses to tell "waiting on a timer" apart from a genuine deadlock.
	dispatch := func() (bool, error) {
		free := p.opts.MaxConcurrency - running
		if free <= 0 {
			return false, nil
		}
		candidates := p.sched.GetNext(free, state)
		now := time.Now()
		waitingOnBackoff := false
		for _, pkg := range candidates {
			p.mu.Lock()
			eligible := p.nextEligible[pkg]
			p.mu.Unlock()
			if eligible.After(now) {
				waitingOnBackoff = true
				continue
			}
			if !p.monitor.Allocate(1) {
				break
			}
			running++
			state.ToRunning(pkg, time.Now(), nil)
			p.bus.Emit(event.Event{Name: event.PackageStarted, Package: pkg})

			pkgCopy := pkg
			eg.Go(func() error {
				var buf bytes.Buffer
				meta, _ := p.graph.Package(pkgCopy)
				execCtx, err := execcontext.Resolve(pkgCopy, meta.Path, "")
				var env []string
				if err == nil {
					env = execCtx.Env()
				}
				changed, runErr := p.runner.Run(egCtx, meta, env, &buf)
				out := outcome{pkg: pkgCopy, changed: changed, err: runErr, output: buf.String(), end: time.Now()}
				select {
				case results <- out:
				case <-egCtx.Done():
				}
				return nil // failures are routed through outcome, never the errgroup
			})
		}
		if err := p.store.Save(p.snapshot(state)); err != nil {
			p.logger.Warn("checkpoint save failed: %v", err)
		} else {
			p.bus.Emit(event.Event{Name: event.CheckpointSaved})
		}
		return waitingOnBackoff, nil
	}

	for {
		waitingOnBackoff, err := dispatch()
		if err != nil {
			return nil, err
		}
		if running == 0 {
			if len(state.Pending) > 0 || len(state.Ready) > 0 {
				if waitingOnBackoff {
					// Nothing is running, but a retriable failure is only
					// waiting out its backoff delay, not truly stuck: keep
					// polling instead of declaring a deadlock.
					select {
					case <-ticker.C:
						continue
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				return nil, xerrors.Errorf("taskpool: deadlock: %d package(s) pending, %d ready, none runnable (unsatisfiable dependency)", len(state.Pending), len(state.Ready))
			}
			break
		}

		select {
		case out := <-results:
			running--
			p.monitor.Release(1)
			p.handleOutcome(state, out.pkg, out.changed, out.err, out.output, out.end)
			if err := p.store.Save(p.snapshot(state)); err != nil {
				p.logger.Warn("checkpoint save failed: %v", err)
			}
		case <-ticker.C:
			// wake up purely to re-check backoff-expired retries
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := eg.Wait(); err != nil {
		return nil, xerrors.Errorf("taskpool: %w", err)
	}

	result := &ExecutionResult{
		ExecutionID:      p.opts.ExecutionID,
		Duration:         time.Since(start),
		State:            state,
		Completed:        sortedKeys(state.Completed),
		Skipped:          sortedKeys(state.Skipped),
		SkippedNoChanges: sortedStringMapKeys(state.SkippedNoChanges),
	}
	for pkg := range state.Failed {
		result.Failed = append(result.Failed, pkg)
	}
	sort.Strings(result.Failed)

	p.bus.Emit(event.Event{
		Name: event.ExecutionCompleted,
		Data: map[string]interface{}{
			"completed": len(result.Completed),
			"failed":    len(result.Failed),
			"skipped":   len(result.Skipped),
		},
	})
	p.logger.Info("execution %s finished in %v: %d completed, %d failed, %d skipped", p.opts.ExecutionID, result.Duration, len(result.Completed), len(result.Failed), len(result.Skipped))

	return result, nil
}

func (p *TaskPool) handleOutcome(state *execstate.State, pkg string, changed bool, runErr error, output string, end time.Time) {
	if runErr == nil {
		if changed {
			p.recov.MarkCompleted(state, pkg, end)
			if meta, ok := p.graph.Package(pkg); ok {
				p.recordPublished(pkg, meta.Version)
			}
			p.bus.Emit(event.Event{Name: event.PackageCompleted, Package: pkg})
		} else {
			state.ToSkippedNoChanges(pkg, "no changes detected", end)
			p.checker.RecomputeReady(state)
			p.bus.Emit(event.Event{Name: event.PackageSkippedNoChange, Package: pkg})
		}
		return
	}

	classification := classify.Classify(output)
	attempts := state.RetryAttempts[pkg]
	if classification.Retriable() && attempts < p.opts.MaxRetries {
		state.RetryAttempts[pkg]++
		delay := p.opts.RetryBaseDelay * time.Duration(1<<uint(attempts))
		p.mu.Lock()
		p.nextEligible[pkg] = time.Now().Add(delay)
		p.mu.Unlock()
		state.ToPending(pkg)
		p.checker.RecomputeReady(state)
		p.bus.Emit(event.Event{
			Name:    event.PackageRetrying,
			Package: pkg,
			Data:    map[string]interface{}{"attempt": attempts + 1, "classification": string(classification), "delay": delay.String()},
		})
		p.logger.Warn("%s failed (%s, retriable), retrying in %v (attempt %d/%d)", pkg, classification, delay, attempts+1, p.opts.MaxRetries)
		return
	}

	dependents := p.checker.TransitiveDependents(pkg)
	snap := execstate.FailedSnapshot{
		Name:                 pkg,
		ErrorMessage:         runErr.Error(),
		StackOrDetail:        truncate(output, 4096),
		IsRetriable:          classification.Retriable(),
		AttemptNumber:        attempts + 1,
		FailedAt:             end,
		Dependencies:         p.graph.Dependencies(pkg),
		TransitiveDependents: dependents,
		Classification:       string(classification),
	}
	cascaded := p.recov.MarkFailed(state, pkg, snap, end)
	p.bus.Emit(event.Event{
		Name:    event.PackageFailed,
		Package: pkg,
		Data:    map[string]interface{}{"classification": string(classification), "cascaded": cascaded},
	})
	for _, dependent := range cascaded {
		p.bus.Emit(event.Event{
			Name:    event.PackageSkipped,
			Package: dependent,
			Data:    map[string]interface{}{"cascadedFrom": pkg},
		})
	}
	p.logger.Error("%s failed permanently (%s): %v; %d dependent(s) skipped", pkg, classification, runErr, len(cascaded))
}

func (p *TaskPool) loadOrInitState() (state *execstate.State, resumed bool, err error) {
	result, err := p.store.Load()
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return execstate.New(p.graph.Names()), false, nil
	}
	s := checkpoint.FromStateSnapshot(result.Checkpoint.State)
	// Running entries reflect an interrupted attempt with no live
	// goroutine behind them anymore: they must restart from Pending.
	for pkg := range s.Running {
		s.ToPending(pkg)
	}
	return s, true, nil
}

func (p *TaskPool) snapshot(state *execstate.State) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ExecutionID:       p.opts.ExecutionID,
		Command:           p.opts.Command,
		BuildOrder:        p.graph.Names(),
		MaxConcurrency:    p.opts.MaxConcurrency,
		State:             checkpoint.ToStateSnapshot(state),
		PublishedVersions: p.PublishedVersions(),
		RetryAttempts:     state.RetryAttempts,
		TotalStartTime:    time.Now(),
		CanRecover:        len(state.Failed) > 0,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringMapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... (%d bytes truncated)", len(s)-n)
}
