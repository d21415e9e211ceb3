package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the services in this package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SideEffect describes the outbound effect a step performs. Service names
// the rate-limit bucket ("gmail", "hubspot"); SubjectKey names the
// run-context key holding the per-subject quota subject (e.g. the recipient
// address under "recipient").
type SideEffect struct {
	Service    string
	SubjectKey string
}

// StepHandler is a pluggable unit of work the Orchestrator invokes by name.
//
// Handlers own their side effects and must be idempotent with respect to the
// deterministic idempotency token available via StepIdempotencyKey(ctx): a
// crash between "effect performed" and "state persisted" re-invokes the step
// with the same token, which should be used as the external API's dedup key
// where supported.
type StepHandler interface {
	Name() string
	// SideEffect returns nil for pure steps; non-nil flags the step as
	// side-effecting, gating it behind the rate/quota limiter.
	SideEffect() *SideEffect
	Handle(ctx context.Context, rc models.RunContext) (models.RunContext, error)
}

// StepFunc adapts a plain function into a StepHandler.
type StepFunc struct {
	StepName string
	Effect   *SideEffect
	Fn       func(ctx context.Context, rc models.RunContext) (models.RunContext, error)
}

func (s StepFunc) Name() string            { return s.StepName }
func (s StepFunc) SideEffect() *SideEffect { return s.Effect }
func (s StepFunc) Handle(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
	return s.Fn(ctx, rc)
}

// IdempotencyKey derives the deterministic per-step dedup token.
func IdempotencyKey(runID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", runID, stepIndex)
}

type ctxKey int

const idempotencyCtxKey ctxKey = iota

// StepIdempotencyKey extracts the idempotency token the Orchestrator injects
// into the context of every step invocation.
func StepIdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyCtxKey).(string)
	return key
}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyCtxKey, key)
}

// Registry maps workflow names to their ordered step lists.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string][]StepHandler
}

func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string][]StepHandler)}
}

// Register binds a workflow name to its ordered steps.
func (r *Registry) Register(name string, steps ...StepHandler) error {
	if len(name) == 0 {
		return errors.New("empty workflow name")
	}
	if len(steps) == 0 {
		return errors.Errorf("workflow '%s' has no steps", name)
	}
	for i, step := range steps {
		if step == nil || step.Name() == "" {
			return errors.Errorf("workflow '%s' step %d has no name", name, i)
		}
	}
	r.mu.Lock()
	r.workflows[name] = steps
	r.mu.Unlock()
	return nil
}

// Steps returns the ordered steps for a registered workflow.
func (r *Registry) Steps(name string) ([]StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps, ok := r.workflows[name]
	if !ok {
		return nil, errors.Errorf("workflow '%s' is not registered", name)
	}
	return steps, nil
}

// Names lists the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
