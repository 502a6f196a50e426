package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/responder"
	"github.com/carelinelabs/careline/internal/trace"
	"github.com/google/uuid"
)

// safeFallbackText is the minimal reply used when the coaching branch could
// not produce one. It states degraded capability instead of fabricating
// content.
const safeFallbackText = "I'm having trouble responding fully right now, but I've read your " +
	"message and our team can still see this conversation. If you are in " +
	"immediate danger, please call your local emergency number, or call or " +
	"text 988 to reach the Suicide & Crisis Lifeline."

const degradedNotice = " (Some of our support tools were delayed while preparing this reply; " +
	"a member of the team can follow up on anything that's missing.)"

// routePlan maps a risk level to the routing state and responder branches.
func routePlan(level domain.RiskLevel) (State, []domain.ResponderKind) {
	switch level {
	case domain.RiskLow:
		return StateLowRiskReply, []domain.ResponderKind{domain.ResponderCoaching}
	case domain.RiskModerate:
		return StateModerateRiskInvoke, []domain.ResponderKind{domain.ResponderCoaching}
	default:
		return StateHighRiskFanOut, []domain.ResponderKind{
			domain.ResponderCoaching,
			domain.ResponderCaseManagement,
		}
	}
}

// HandleMessage runs one orchestration cycle. It returns an error only for
// invalid input or cancellation while queued behind an in-flight cycle for
// the same session; failures inside the cycle degrade to a safe reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, message string, recent []domain.Message) (*Result, error) {
	return o.HandleMessageWithExecution(ctx, uuid.NewString(), sessionID, message, recent)
}

// HandleMessageWithExecution is HandleMessage with a caller-allocated
// execution ID, so callers can subscribe to the execution's trace before
// the cycle emits its first event.
func (o *Orchestrator) HandleMessageWithExecution(ctx context.Context, executionID, sessionID, message string, recent []domain.Message) (res *Result, err error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution_id is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	sess, release, err := o.sessions.checkout(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("waiting for session %s: %w", sessionID, err)
	}
	defer release()

	start := time.Now()

	// Errored is the absorbing state: any unexpected failure still yields
	// a minimal safe reply, and the error kind lives in the trace.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestration cycle panicked",
				"execution_id", executionID, "session_id", sessionID, "panic", r)
			o.transition(executionID, StateErrored, map[string]string{"error_kind": "internal_panic"})
			res = &Result{
				ExecutionID:      executionID,
				ReplyText:        safeFallbackText,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
			}
			err = nil
		}
	}()

	if len(sess.History) == 0 && len(recent) > 0 {
		sess.History = append(sess.History, recent...)
	}
	sess.RecordMessage("user", message)

	o.transition(executionID, StateIntake, map[string]string{"session_id": sessionID})

	classifyStart := time.Now()
	assessment := o.classifier.Classify(ctx, sessionID, message, sess.RecentHistory(o.cfg.HistoryDepth))
	classifierDuration.WithLabelValues(string(assessment.Source)).Observe(time.Since(classifyStart).Seconds())

	o.transition(executionID, StateTriaged, map[string]string{
		"level":  string(assessment.Level),
		"source": string(assessment.Source),
	})

	routeState, kinds := routePlan(assessment.Level)
	kindNames := make([]string, len(kinds))
	for i, k := range kinds {
		kindNames[i] = string(k)
	}
	o.transition(executionID, routeState, map[string]string{"branches": strings.Join(kindNames, ",")})

	in := responder.Input{
		SessionID:  sessionID,
		Message:    message,
		History:    sess.RecentHistory(o.cfg.HistoryDepth),
		Assessment: assessment,
	}

	guard := newBranchGuard()
	results := make(chan branchResult, len(kinds))
	for _, kind := range kinds {
		go o.runBranch(ctx, executionID, kind, in, guard, results)
	}

	result := &Result{ExecutionID: executionID, Assessment: assessment}

	// Escalation ordering per route: moderate opens the case without
	// blocking the reply; high and critical block on it, because a
	// crisis-tier reply must never go out without the case at least having
	// been attempted. Either way the call survives client disconnection.
	switch {
	case assessment.Level == domain.RiskModerate:
		result.EscalationTriggered = true
		go func() {
			if _, escErr := o.escalate(ctx, executionID, sessionID, assessment); escErr != nil {
				slog.Warn("Async escalation failed", "execution_id", executionID, "error", escErr)
			}
		}()
	case assessment.Level.AtLeast(domain.RiskHigh):
		result.EscalationTriggered = true
		caseID, escErr := o.escalate(ctx, executionID, sessionID, assessment)
		if escErr != nil {
			result.EscalationFailed = true
		} else {
			result.CaseID = caseID
		}
	}

	outcomes := o.joinBranches(executionID, start, kinds, guard, results)

	o.transition(executionID, StateSynthesizing, nil)
	o.synthesize(result, kinds, outcomes)
	sess.RecordMessage("assistant", result.ReplyText)

	if recErr := o.repo.RecordCycle(context.WithoutCancel(ctx), sessionID, start, assessment.Level); recErr != nil {
		slog.Warn("failed to record cycle stats", "session_id", sessionID, "error", recErr)
	}

	elapsed := time.Since(start)
	result.ProcessingTimeMs = elapsed.Milliseconds()
	cyclesTotal.WithLabelValues(string(assessment.Level), string(assessment.Source)).Inc()
	cycleDuration.Observe(elapsed.Seconds())

	o.transition(executionID, StateComplete, map[string]string{
		"duration_ms": fmt.Sprintf("%d", result.ProcessingTimeMs),
	})
	return result, nil
}

// joinBranches is the fan-out barrier: it blocks until every launched
// branch is terminal or the hard upper bound elapses, whichever is first.
// Branches missing at the deadline are recorded as timed out so synthesis
// always sees a terminal status for every launched branch.
func (o *Orchestrator) joinBranches(executionID string, started time.Time, kinds []domain.ResponderKind, guard *branchGuard, results <-chan branchResult) map[domain.ResponderKind]branchResult {
	outcomes := make(map[domain.ResponderKind]branchResult, len(kinds))

	barrier := time.NewTimer(o.cfg.BranchTimeout + o.cfg.BarrierSlack)
	defer barrier.Stop()

	for len(outcomes) < len(kinds) {
		select {
		case r := <-results:
			outcomes[r.kind] = r
		case <-barrier.C:
			// A result and the deadline can be ready together; results
			// already delivered win over declaring the branch abandoned.
			for drained := true; drained && len(outcomes) < len(kinds); {
				select {
				case r := <-results:
					outcomes[r.kind] = r
				default:
					drained = false
				}
			}
			for _, kind := range kinds {
				if _, ok := outcomes[kind]; !ok {
					outcomes[kind] = o.abandonBranch(executionID, started, kind, guard)
				}
			}
		}
	}
	return outcomes
}

// synthesize combines branch outputs into the final reply. Coaching text is
// authoritative; case management contributes metadata only. Failed or
// timed-out branches are annotated, never silently dropped.
func (o *Orchestrator) synthesize(result *Result, kinds []domain.ResponderKind, outcomes map[domain.ResponderKind]branchResult) {
	degraded := false
	for _, kind := range kinds {
		outcome := outcomes[kind]
		result.AgentsInvoked = append(result.AgentsInvoked, AgentStatus{
			Responder: kind,
			Status:    outcome.inv.Status,
		})
		result.ActivityLog = append(result.ActivityLog, outcome.inv)
		if outcome.inv.Status != domain.InvocationSucceeded {
			degraded = true
		}
	}
	sort.Slice(result.ActivityLog, func(i, j int) bool {
		return result.ActivityLog[i].Seq < result.ActivityLog[j].Seq
	})

	coaching, ok := outcomes[domain.ResponderCoaching]
	switch {
	case ok && coaching.inv.Status == domain.InvocationSucceeded && coaching.output != nil:
		result.ReplyText = coaching.output.Text
		if degraded {
			result.ReplyText += degradedNotice
		}
	default:
		result.ReplyText = safeFallbackText
	}
}

// escalate invokes the escalation manager. The derived context is detached
// from request cancellation: escalation correctness outranks client
// disconnection once the call is issued.
func (o *Orchestrator) escalate(ctx context.Context, executionID, sessionID string, a *domain.RiskAssessment) (string, error) {
	escCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EscalationTimeout)
	defer cancel()

	c, created, err := o.escalations.Escalate(escCtx, sessionID, a)
	if err != nil {
		escalationsTotal.WithLabelValues("failed").Inc()
		slog.Error("Escalation failed, flagged for operator follow-up",
			"execution_id", executionID, "session_id", sessionID, "error", err)
		o.emitter.Emit(trace.Event{
			ExecutionID: executionID,
			Type:        trace.EventError,
			Detail:      map[string]string{"error_kind": "escalation_failed"},
		})
		return "", err
	}

	outcome := "existing"
	if created {
		outcome = "created"
	}
	escalationsTotal.WithLabelValues(outcome).Inc()
	o.emitter.Emit(trace.Event{
		ExecutionID: executionID,
		Type:        trace.EventEscalation,
		Detail: map[string]string{
			"case_id":  c.CaseID,
			"outcome":  outcome,
			"severity": string(c.Severity),
		},
	})
	return c.CaseID, nil
}

type branchResult struct {
	kind   domain.ResponderKind
	output *responder.Output
	inv    *domain.AgentInvocation
}

// branchGuard ensures exactly one terminal record per branch even when a
// branch outlives the barrier and finishes late.
type branchGuard struct {
	mu   sync.Mutex
	done map[domain.ResponderKind]bool
}

func newBranchGuard() *branchGuard {
	return &branchGuard{done: make(map[domain.ResponderKind]bool)}
}

func (g *branchGuard) tryFinish(kind domain.ResponderKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done[kind] {
		return false
	}
	g.done[kind] = true
	return true
}

// runBranch executes one responder as an independently cancellable task and
// always delivers exactly one result to the barrier.
func (o *Orchestrator) runBranch(ctx context.Context, executionID string, kind domain.ResponderKind, in responder.Input, guard *branchGuard, results chan<- branchResult) {
	started := time.Now()
	inv := &domain.AgentInvocation{
		ExecutionID: executionID,
		Responder:   kind,
		Status:      domain.InvocationPending,
		StartedAt:   started,
	}
	o.emitInvocation(inv)

	branchCtx, cancel := context.WithTimeout(ctx, o.cfg.BranchTimeout)
	defer cancel()

	inv.Status = domain.InvocationRunning
	o.emitInvocation(inv)

	output, err := o.invoke(branchCtx, kind, in)

	completed := time.Now()
	inv.CompletedAt = completed
	inv.DurationMs = completed.Sub(started).Milliseconds()
	switch {
	case err == nil:
		inv.Status = domain.InvocationSucceeded
		inv.Summary = summarize(kind, output)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(branchCtx.Err(), context.DeadlineExceeded):
		inv.Status = domain.InvocationTimedOut
		inv.Summary = "branch timed out"
	case errors.Is(err, context.Canceled) || errors.Is(branchCtx.Err(), context.Canceled):
		inv.Status = domain.InvocationFailed
		inv.Summary = "branch cancelled"
	default:
		inv.Status = domain.InvocationFailed
		inv.Summary = err.Error()
	}

	if guard.tryFinish(kind) {
		ev := o.emitInvocation(inv)
		inv.Seq = ev.Seq
		o.persistInvocation(ctx, inv)
		branchOutcomesTotal.WithLabelValues(string(kind), string(inv.Status)).Inc()
	} else {
		slog.Debug("Branch finished after barrier abandonment",
			"execution_id", executionID, "responder", kind, "status", inv.Status)
	}

	results <- branchResult{kind: kind, output: output, inv: inv}
}

// invoke dispatches to the responder for kind. A panic inside a responder
// is contained here so one bad branch cannot take down the cycle.
func (o *Orchestrator) invoke(ctx context.Context, kind domain.ResponderKind, in responder.Input) (out *responder.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("responder %s panicked: %v", kind, r)
		}
	}()

	r, err := o.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return r.Respond(ctx, in)
}

// abandonBranch records a terminal timed_out status for a branch still
// running when the barrier's hard upper bound elapsed.
func (o *Orchestrator) abandonBranch(executionID string, started time.Time, kind domain.ResponderKind, guard *branchGuard) branchResult {
	now := time.Now()
	inv := &domain.AgentInvocation{
		ExecutionID: executionID,
		Responder:   kind,
		Status:      domain.InvocationTimedOut,
		StartedAt:   started,
		CompletedAt: now,
		DurationMs:  now.Sub(started).Milliseconds(),
		Summary:     "abandoned at barrier deadline",
	}
	if guard.tryFinish(kind) {
		ev := o.emitInvocation(inv)
		inv.Seq = ev.Seq
		o.persistInvocation(context.Background(), inv)
		branchOutcomesTotal.WithLabelValues(string(kind), string(inv.Status)).Inc()
	}
	return branchResult{kind: kind, inv: inv}
}

func (o *Orchestrator) emitInvocation(inv *domain.AgentInvocation) trace.Event {
	snapshot := *inv
	return o.emitter.Emit(trace.Event{
		ExecutionID: inv.ExecutionID,
		Type:        trace.EventInvocation,
		Invocation:  &snapshot,
	})
}

func (o *Orchestrator) persistInvocation(ctx context.Context, inv *domain.AgentInvocation) {
	if err := o.repo.AppendInvocation(context.WithoutCancel(ctx), inv); err != nil {
		slog.Warn("failed to persist invocation",
			"execution_id", inv.ExecutionID, "responder", inv.Responder, "error", err)
	}
}

func summarize(kind domain.ResponderKind, out *responder.Output) string {
	if out == nil {
		return ""
	}
	if kind == domain.ResponderCoaching {
		return fmt.Sprintf("reply text, %d chars", len(out.Text))
	}
	return fmt.Sprintf("metadata only, %d keys", len(out.Meta))
}
