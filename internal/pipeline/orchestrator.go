package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/cache"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/events"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/gateway"
	"github.com/aevion/shield/internal/hitl"
	"github.com/aevion/shield/internal/metrics"
	"github.com/aevion/shield/internal/sanitize"
	"github.com/aevion/shield/internal/vector"
)

// Search-stage tunables.
const (
	searchTopK     = 5
	searchMinScore = 0.7
)

// ErrQueueFull is returned by Submit when the worker queue is saturated.
var ErrQueueFull = errors.New("pipeline queue full")

// Deps are the orchestrator's dependency interfaces. Stages are pure
// transformations over these; each is independently fakeable in tests.
type Deps struct {
	Scanner  *sanitize.Scanner
	Embedder gateway.Embedder
	Index    vector.Index
	Verifier gateway.Verifier
	Engine   *consensus.Engine
	Gate     *hitl.Gate
	Chain    *evidence.Chain
	Recorder *audit.Recorder
	Cache    *cache.ArtifactCache // optional
	Emitter  events.Emitter       // optional
	Store    Store
}

// Options tune the orchestrator.
type Options struct {
	Workers    int
	QueueDepth int
	SigmaVar   float64

	// MandatoryReview lists domains whose policy always opens a ticket.
	MandatoryReview map[core.Domain]bool

	// Policies overrides the per-stage retry table; nil means defaults.
	Policies map[Stage]retryPolicy
}

// Orchestrator owns the worker pool and the per-claim run loop.
type Orchestrator struct {
	deps Deps
	opts Options

	queue    chan string // instance ids
	policies map[Stage]retryPolicy

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // claim id -> instance cancel
	done    map[string]chan struct{}      // claim id -> closed at terminal state

	wg sync.WaitGroup
}

// New creates an orchestrator. Call Start to launch the workers.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.SigmaVar == 0 {
		opts.SigmaVar = 0.25
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Discard
	}
	policies := opts.Policies
	if policies == nil {
		policies = defaultPolicies()
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		queue:    make(chan string, opts.QueueDepth),
		policies: policies,
		cancels:  make(map[string]context.CancelFunc),
		done:     make(map[string]chan struct{}),
	}
}

// Start launches the worker pool and re-queues instances interrupted by
// the last shutdown, whether running or suspended at the review gate.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.recover(ctx)
}

// Wait blocks until all workers exit after ctx cancellation.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.execute(ctx, id)
		}
	}
}

func (o *Orchestrator) recover(ctx context.Context) {
	resumable, err := o.deps.Store.ListResumable(ctx)
	if err != nil {
		slog.Warn("resumable instance scan failed", "error", err)
		return
	}
	for _, in := range resumable {
		select {
		case o.queue <- in.ID:
			slog.Info("requeued interrupted instance",
				"instance", in.ID, "claim", in.Claim.ID, "state", string(in.State))
		default:
			slog.Warn("queue full during recovery", "instance", in.ID)
		}
	}
}

// Submit validates the claim, creates its instance and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, claim core.Claim) (*Status, error) {
	if err := claim.Validate(); err != nil {
		return nil, err
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = time.Now().UTC()
	}

	// Queue admission before any writes: a saturated queue must leave no
	// instance behind, or the claim id would be burned by a 503.
	if len(o.queue) == cap(o.queue) {
		return nil, ErrQueueFull
	}

	now := time.Now().UTC()
	in := &Instance{
		ID:        uuid.NewString(),
		Claim:     claim,
		State:     StateRunning,
		Stage:     StageSanitize,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.Create(ctx, in); err != nil {
		return nil, err
	}

	o.deps.Recorder.Record(ctx, audit.KindSubmit, claim.ID, map[string]interface{}{
		"instance_id": in.ID,
		"domain":      string(claim.Domain),
		"priority":    string(claim.Priority),
	})
	o.deps.Emitter.Emit(events.TypeClaimSubmitted, "/v1/claims", claim.ID, map[string]interface{}{
		"instance_id": in.ID,
	})

	o.mu.Lock()
	o.done[claim.ID] = make(chan struct{})
	o.mu.Unlock()

	select {
	case o.queue <- in.ID:
	default:
		// Lost the last slot between the admission check and the enqueue;
		// finalize the already-persisted instance instead of stranding it.
		in.State = StateFailed
		in.LastError = ErrQueueFull.Error()
		in.UpdatedAt = time.Now().UTC()
		if err := o.deps.Store.Save(ctx, in); err != nil {
			slog.Error("queue-full save failed", "instance", in.ID, "error", err)
		}
		o.finishTerminal(ctx, in, audit.KindFailed, events.TypeClaimFailed)
		return nil, ErrQueueFull
	}
	st := in.status()
	return &st, nil
}

// Status returns the caller-facing view for a claim.
func (o *Orchestrator) Status(ctx context.Context, claimID string) (*Status, error) {
	in, err := o.deps.Store.GetByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	st := in.status()
	return &st, nil
}

// Cancel marks the claim's instance cancelled. The running stage aborts at
// its next retry boundary; a suspended instance cancels immediately.
func (o *Orchestrator) Cancel(ctx context.Context, claimID string) error {
	in, err := o.deps.Store.GetByClaim(ctx, claimID)
	if err != nil {
		return err
	}
	if in.State.Terminal() {
		return fmt.Errorf("instance already %s", in.State)
	}

	o.mu.Lock()
	cancel := o.cancels[claimID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}

	// Not currently executing; finalize directly.
	in.State = StateCancelled
	in.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.Save(ctx, in); err != nil {
		return err
	}
	o.finishTerminal(ctx, in, audit.KindCancelled, events.TypeClaimCancelled)
	return nil
}

// Done returns a channel closed when the claim's instance reaches a
// terminal state. Nil for unknown claims.
func (o *Orchestrator) Done(claimID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done[claimID]
}

// execute loads the instance and drives it from its checkpoint to a
// terminal state.
func (o *Orchestrator) execute(ctx context.Context, instanceID string) {
	in, err := o.deps.Store.Get(ctx, instanceID)
	if err != nil {
		slog.Error("instance load failed", "instance", instanceID, "error", err)
		return
	}
	if in.State.Terminal() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[in.Claim.ID] = cancel
	if o.done[in.Claim.ID] == nil {
		o.done[in.Claim.ID] = make(chan struct{})
	}
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, in.Claim.ID)
		o.mu.Unlock()
	}()

	o.run(runCtx, in)
}

func (o *Orchestrator) run(ctx context.Context, in *Instance) {
	in.State = StateRunning

	for idx := in.Checkpoint.completedThrough(); idx < len(StageOrder); idx++ {
		stage := StageOrder[idx]

		// The review gate sits between Detect and Sign: every signature
		// carries a decision, human or synthetic.
		if stage == StageSign && in.Decision == nil {
			if err := o.reviewGate(ctx, in); err != nil {
				if errors.Is(err, context.Canceled) {
					o.cancelled(ctx, in)
					return
				}
				o.fail(ctx, in, stage, err)
				return
			}
		}

		if err := o.runStage(ctx, in, stage); err != nil {
			if errors.Is(err, context.Canceled) {
				o.cancelled(ctx, in)
				return
			}
			o.fail(ctx, in, stage, err)
			return
		}
	}

	in.State = StateCompleted
	in.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.Save(ctx, in); err != nil {
		slog.Error("completion save failed", "instance", in.ID, "error", err)
	}
	// Pipeline completion seals the voting session.
	if _, err := o.deps.Engine.Seal(in.Claim.ID); err != nil && !errors.Is(err, consensus.ErrSessionNotFound) {
		slog.Warn("session seal failed", "claim", in.Claim.ID, "error", err)
	}
	o.finishTerminal(ctx, in, audit.KindCompleted, events.TypeClaimCompleted)
}

// runStage applies the stage's retry policy around one attempt function.
// The checkpoint write plus the durable stage-complete event are the
// exactly-once point; a crash before them re-runs the stage, after them
// skips it.
func (o *Orchestrator) runStage(ctx context.Context, in *Instance, stage Stage) error {
	policy := o.policies[stage]
	in.Stage = stage

	var lastErr error
	for attempt := 1; attempt <= policy.attempts; attempt++ {
		if err := sleep(ctx, policy.delay(attempt)); err != nil {
			return err
		}
		if attempt > 1 {
			metrics.StageRetries.WithLabelValues(string(stage)).Inc()
		}
		in.Attempts[stage] = attempt

		o.deps.Recorder.Record(ctx, audit.KindStageStart, in.Claim.ID, map[string]interface{}{
			"instance_id": in.ID,
			"stage":       string(stage),
			"attempt":     attempt,
		})

		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, policy.timeout)
		err := o.attempt(stageCtx, in, stage)
		cancel()
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

		if err == nil {
			in.UpdatedAt = time.Now().UTC()
			if serr := o.deps.Store.Save(ctx, in); serr != nil {
				lastErr = fmt.Errorf("checkpoint save: %w", serr)
				continue
			}
			if serr := o.deps.Recorder.Record(ctx, audit.KindStageComplete, in.Claim.ID, map[string]interface{}{
				"instance_id": in.ID,
				"stage":       string(stage),
				"attempt":     attempt,
			}); serr != nil {
				lastErr = serr
				continue
			}
			o.deps.Emitter.Emit(events.TypeStageCompleted, "/pipeline", in.Claim.ID, map[string]interface{}{
				"instance_id": in.ID,
				"stage":       string(stage),
			})
			return nil
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return context.Canceled
		}
		lastErr = err
		in.LastError = err.Error()
		slog.Warn("stage attempt failed",
			"instance", in.ID, "stage", stage, "attempt", attempt, "error", err)
		if isTerminal(err) {
			break
		}
	}
	return fmt.Errorf("stage %s: %w", stage, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, in *Instance, stage Stage) error {
	switch stage {
	case StageSanitize:
		return o.stageSanitize(ctx, in)
	case StageEmbed:
		return o.stageEmbed(ctx, in)
	case StageSearch:
		return o.stageSearch(ctx, in)
	case StageVerify:
		return o.stageVerify(ctx, in)
	case StageDetect:
		return o.stageDetect(ctx, in)
	case StageSign:
		return o.stageSign(ctx, in)
	default:
		return Terminal(fmt.Errorf("unknown stage %q", stage))
	}
}

// cancelled finalizes an instance aborted at a retry boundary. The save
// outlives the cancelled run context.
func (o *Orchestrator) cancelled(ctx context.Context, in *Instance) {
	saveCtx := context.WithoutCancel(ctx)
	in.State = StateCancelled
	in.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.Save(saveCtx, in); err != nil {
		slog.Error("cancel save failed", "instance", in.ID, "error", err)
	}
	o.finishTerminal(saveCtx, in, audit.KindCancelled, events.TypeClaimCancelled)
}

func (o *Orchestrator) fail(ctx context.Context, in *Instance, stage Stage, err error) {
	in.State = StateFailed
	in.LastError = err.Error()
	in.UpdatedAt = time.Now().UTC()
	if serr := o.deps.Store.Save(ctx, in); serr != nil {
		slog.Error("failure save failed", "instance", in.ID, "error", serr)
	}

	o.deps.Recorder.Record(ctx, audit.KindStageFail, in.Claim.ID, map[string]interface{}{
		"instance_id": in.ID,
		"stage":       string(stage),
		"error":       err.Error(),
	})
	o.deps.Emitter.Emit(events.TypeStageFailed, "/pipeline", in.Claim.ID, map[string]interface{}{
		"instance_id": in.ID,
		"stage":       string(stage),
	})
	o.finishTerminal(ctx, in, audit.KindFailed, events.TypeClaimFailed)
}

func (o *Orchestrator) finishTerminal(ctx context.Context, in *Instance, kind audit.EventKind, eventType string) {
	metrics.InstancesTotal.WithLabelValues(string(in.State)).Inc()
	o.deps.Recorder.Record(ctx, kind, in.Claim.ID, map[string]interface{}{
		"instance_id": in.ID,
		"verdict":     string(in.Verdict),
	})
	o.deps.Emitter.Emit(eventType, "/pipeline", in.Claim.ID, map[string]interface{}{
		"instance_id": in.ID,
		"verdict":     string(in.Verdict),
	})

	o.mu.Lock()
	if ch, ok := o.done[in.Claim.ID]; ok {
		close(ch)
		delete(o.done, in.Claim.ID)
	}
	o.mu.Unlock()
}
