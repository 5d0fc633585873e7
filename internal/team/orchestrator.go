// Package team executes plans: DAGs of agent steps with data flowing
// between them through expression-mapped inputs and outputs.
package team

import (
	"context"
	"sync"
	"time"

	"github.com/crucible-ai/crucible/internal/agent"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// compiledStep is one plan step with its expressions precompiled.
type compiledStep struct {
	step   models.TeamStep
	inputs map[string]*vm.Program
	output *vm.Program
}

// compiledPlan is a validated, compiled plan.
type compiledPlan struct {
	plan  models.TeamPlan
	steps []*compiledStep
	byID  map[string]*compiledStep
}

// Orchestrator registers team plans and runs them through the agent
// runtime, with bounded step fan-out.
type Orchestrator struct {
	agents *agent.Runtime
	cfg    config.TeamConfig

	mu    sync.RWMutex
	plans map[string]*compiledPlan
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(agents *agent.Runtime, cfg config.TeamConfig) *Orchestrator {
	return &Orchestrator{
		agents: agents,
		cfg:    cfg,
		plans:  make(map[string]*compiledPlan),
	}
}

// Register validates and compiles a plan: unique step ids, known
// dependencies, no cycles, compilable expressions. Re-registering a
// name replaces it.
func (o *Orchestrator) Register(plan models.TeamPlan) error {
	if plan.Name == "" {
		return fault.New(fault.KindValidation, "plan name is required")
	}
	if len(plan.Steps) == 0 {
		return fault.New(fault.KindValidation, "plan has no steps")
	}

	cp := &compiledPlan{plan: plan, byID: make(map[string]*compiledStep, len(plan.Steps))}
	for i := range plan.Steps {
		st := plan.Steps[i]
		if st.ID == "" {
			return fault.New(fault.KindValidation, "step id is required")
		}
		if _, dup := cp.byID[st.ID]; dup {
			return fault.Newf(fault.KindValidation, "duplicate step id %q", st.ID)
		}
		cs := &compiledStep{step: st, inputs: make(map[string]*vm.Program, len(st.Inputs))}
		for name, src := range st.Inputs {
			prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
			if err != nil {
				return fault.Wrap(fault.KindValidation, err, "step "+st.ID+" input "+name)
			}
			cs.inputs[name] = prog
		}
		if st.OutputExpr != "" {
			prog, err := expr.Compile(st.OutputExpr, expr.AllowUndefinedVariables())
			if err != nil {
				return fault.Wrap(fault.KindValidation, err, "step "+st.ID+" output expression")
			}
			cs.output = prog
		}
		cp.byID[st.ID] = cs
		cp.steps = append(cp.steps, cs)
	}

	for _, cs := range cp.steps {
		for _, dep := range cs.step.DependsOn {
			if _, ok := cp.byID[dep]; !ok {
				return fault.Newf(fault.KindValidation, "step %q depends on unknown step %q", cs.step.ID, dep)
			}
			if dep == cs.step.ID {
				return fault.Newf(fault.KindValidation, "step %q depends on itself", cs.step.ID)
			}
		}
	}
	if err := checkAcyclic(cp); err != nil {
		return err
	}

	o.mu.Lock()
	o.plans[plan.Name] = cp
	o.mu.Unlock()
	log.Info().Str("plan", plan.Name).Int("steps", len(plan.Steps)).Msg("🗺️ Team plan registered")
	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges.
func checkAcyclic(cp *compiledPlan) error {
	indeg := make(map[string]int, len(cp.steps))
	dependents := make(map[string][]string)
	for _, cs := range cp.steps {
		indeg[cs.step.ID] = len(cs.step.DependsOn)
		for _, dep := range cs.step.DependsOn {
			dependents[dep] = append(dependents[dep], cs.step.ID)
		}
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(cp.steps) {
		return fault.New(fault.KindValidation, "plan has a dependency cycle")
	}
	return nil
}

// Get returns a registered plan.
func (o *Orchestrator) Get(name string) (*models.TeamPlan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cp, ok := o.plans[name]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "plan %q not registered", name)
	}
	plan := cp.plan
	return &plan, nil
}

// List returns all registered plans.
func (o *Orchestrator) List() []models.TeamPlan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.TeamPlan, 0, len(o.plans))
	for _, cp := range o.plans {
		out = append(out, cp.plan)
	}
	return out
}

// Delete removes a plan.
func (o *Orchestrator) Delete(name string) {
	o.mu.Lock()
	delete(o.plans, name)
	o.mu.Unlock()
}

// run tracks one execution's mutable state.
type run struct {
	cp      *compiledPlan
	inputs  map[string]any
	results map[string]*models.StepResult
	values  map[string]any // step id -> value visible downstream

	mu         sync.Mutex
	aborted    bool
	failedStep string
}

// Run executes a plan. A required step's failure aborts the run:
// in-flight steps are cancelled, unstarted steps report skipped, and
// the partial result is returned with Failed set. Optional step
// failures leave a nil placeholder downstream and the run continues.
func (o *Orchestrator) Run(ctx context.Context, name string, inputs map[string]any) (*models.TeamResult, error) {
	o.mu.RLock()
	cp, ok := o.plans[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "plan %q not registered", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	runID := uuid.NewString()
	log.Info().Str("plan", name).Str("run", runID).Msg("🚀 Team run started")

	r := &run{
		cp:      cp,
		inputs:  inputs,
		results: make(map[string]*models.StepResult, len(cp.steps)),
		values:  make(map[string]any, len(cp.steps)),
	}

	maxParallel := o.cfg.MaxParallelSteps
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)

	indeg := make(map[string]int, len(cp.steps))
	dependents := make(map[string][]string)
	for _, cs := range cp.steps {
		indeg[cs.step.ID] = len(cs.step.DependsOn)
		for _, dep := range cs.step.DependsOn {
			dependents[dep] = append(dependents[dep], cs.step.ID)
		}
	}

	doneCh := make(chan string, len(cp.steps))
	completed := 0

	dispatch := func(cs *compiledStep) {
		r.mu.Lock()
		aborted := r.aborted
		r.mu.Unlock()
		if aborted {
			r.mu.Lock()
			r.results[cs.step.ID] = &models.StepResult{StepID: cs.step.ID, Agent: cs.step.Agent, Status: models.StepSkipped}
			r.values[cs.step.ID] = nil
			r.mu.Unlock()
			doneCh <- cs.step.ID
			return
		}
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			o.runStep(ctx, cancel, r, cs)
			doneCh <- cs.step.ID
		}()
	}

	// Roots first, in definition order.
	for _, cs := range cp.steps {
		if indeg[cs.step.ID] == 0 {
			dispatch(cs)
		}
	}
	for completed < len(cp.steps) {
		id := <-doneCh
		completed++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				dispatch(cp.byID[next])
			}
		}
	}

	result := &models.TeamResult{
		Plan:       name,
		RunID:      runID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	for _, cs := range cp.steps {
		result.Steps = append(result.Steps, *r.results[cs.step.ID])
	}
	r.mu.Lock()
	result.Failed = r.aborted
	result.FailedStep = r.failedStep
	r.mu.Unlock()

	log.Info().Str("plan", name).Str("run", runID).Bool("failed", result.Failed).Dur("elapsed", time.Since(start)).Msg("🏁 Team run finished")
	return result, nil
}

// runStep evaluates a step's inputs, runs its agent, and records the
// outcome. abort cancels the whole run on a required failure.
func (o *Orchestrator) runStep(ctx context.Context, abort context.CancelFunc, r *run, cs *compiledStep) {
	stepStart := time.Now()
	res := &models.StepResult{StepID: cs.step.ID, Agent: cs.step.Agent, StartedAt: stepStart}

	fail := func(err error) {
		res.Status = models.StepFailed
		res.Error = err.Error()
		res.DurationMs = time.Since(stepStart).Milliseconds()
		r.mu.Lock()
		r.results[cs.step.ID] = res
		r.values[cs.step.ID] = nil
		if !cs.step.Optional && !r.aborted {
			r.aborted = true
			r.failedStep = cs.step.ID
			abort()
		}
		r.mu.Unlock()
		log.Warn().Err(err).Str("step", cs.step.ID).Bool("optional", cs.step.Optional).Msg("Team step failed")
	}

	env := r.env()
	stepInputs := make(map[string]any, len(cs.inputs))
	for name, prog := range cs.inputs {
		v, err := expr.Run(prog, env)
		if err != nil {
			fail(fault.Wrap(fault.KindValidation, err, "evaluate input "+name))
			return
		}
		stepInputs[name] = v
	}

	agentRes, err := o.agents.Run(ctx, cs.step.Agent, cs.step.Task, stepInputs)
	if err != nil {
		fail(err)
		return
	}

	value := any(map[string]any{
		"output":  agentRes.Output,
		"content": agentRes.Raw,
	})
	if cs.output != nil {
		outEnv := r.env()
		outEnv["output"] = agentRes.Output
		outEnv["content"] = agentRes.Raw
		v, err := expr.Run(cs.output, outEnv)
		if err != nil {
			fail(fault.Wrap(fault.KindValidation, err, "evaluate output expression"))
			return
		}
		value = v
	}

	res.Status = models.StepCompleted
	res.Response = agentRes.Response
	res.Output = agentRes.Output
	res.DurationMs = time.Since(stepStart).Milliseconds()
	r.mu.Lock()
	r.results[cs.step.ID] = res
	r.values[cs.step.ID] = value
	r.mu.Unlock()
}

// env builds the expression environment: plan inputs plus the values
// of completed steps.
func (r *run) env() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make(map[string]any, len(r.values))
	for id, v := range r.values {
		steps[id] = v
	}
	return map[string]any{
		"inputs": r.inputs,
		"steps":  steps,
	}
}
