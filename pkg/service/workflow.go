package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gammazero/toposort"
	"github.com/pkg/errors"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
)

// WorkflowEngine drives one workflow's steps through the queue manager in
// dependency order. A step is submitted only once every step it depends on
// has completed; a permanent step failure prunes all transitive dependents,
// which end as SKIPPED rather than FAILED.
//
// Engine state is in-memory for the duration of the run; only the tasks it
// spawns are durable.
type WorkflowEngine struct {
	queue  *QueueManager
	logger Logger
	wf     *models.Workflow
	order  []string // Topological order, fixed at construction

	submitted map[string]string // step name -> task ID
	completed map[string]models.Params
	failed    map[string]string // step name -> error message
	skipped   map[string]string // step name -> failed upstream step
}

// NewWorkflowEngine validates the workflow (known dependencies, acyclic graph)
// and prepares it for execution.
func NewWorkflowEngine(queue *QueueManager, logger Logger, wf *models.Workflow) (*WorkflowEngine, error) {
	if len(wf.Steps) == 0 {
		return nil, errors.Errorf("workflow '%s' has no steps", wf.Name)
	}
	for name, step := range wf.Steps {
		if step.TargetAgent == "" || step.Operation == "" {
			return nil, errors.Errorf("step '%s' missing target agent or operation", name)
		}
		for _, dep := range step.DependsOn {
			if _, ok := wf.Steps[dep]; !ok {
				return nil, errors.Errorf("step '%s' depends on unknown step '%s'", name, dep)
			}
		}
	}

	order, err := sortSteps(wf)
	if err != nil {
		return nil, err
	}

	return &WorkflowEngine{
		queue:     queue,
		logger:    logger,
		wf:        wf,
		order:     order,
		submitted: make(map[string]string),
		completed: make(map[string]models.Params),
		failed:    make(map[string]string),
		skipped:   make(map[string]string),
	}, nil
}

// sortSteps returns the step names in a valid execution order, or
// ErrCyclicDependency.
func sortSteps(wf *models.Workflow) ([]string, error) {
	var edges []toposort.Edge
	for name, step := range wf.Steps {
		if len(step.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range step.DependsOn {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, errors.Wrapf(ErrCyclicDependency, "workflow '%s': %v", wf.Name, err)
	}
	order := make([]string, 0, len(wf.Steps))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}

// ReadySteps returns the unresolved, unsubmitted steps whose dependencies have
// all completed, in topological order.
func (e *WorkflowEngine) ReadySteps() []string {
	var ready []string
	for _, name := range e.order {
		if e.resolved(name) {
			continue
		}
		if _, ok := e.submitted[name]; ok {
			continue
		}
		if e.depsCompleted(name) {
			ready = append(ready, name)
		}
	}
	return ready
}

func (e *WorkflowEngine) resolved(name string) bool {
	if _, ok := e.completed[name]; ok {
		return true
	}
	if _, ok := e.failed[name]; ok {
		return true
	}
	_, ok := e.skipped[name]
	return ok
}

func (e *WorkflowEngine) depsCompleted(name string) bool {
	for _, dep := range e.wf.Steps[name].DependsOn {
		if _, ok := e.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Advance performs one engine pass: collect outcomes of submitted tasks,
// prune dependents of failed steps, and submit every newly ready step.
// Submission is idempotent; a step is enqueued at most once.
func (e *WorkflowEngine) Advance() error {
	if err := e.collectOutcomes(); err != nil {
		return err
	}
	e.pruneSkipped()

	for _, name := range e.ReadySteps() {
		step := e.wf.Steps[name]
		id, err := e.queue.Enqueue(step.TargetAgent, step.Operation, step.Parameters,
			models.WithSourceAgent("workflow:"+e.wf.Name))
		if err != nil {
			return errors.Wrapf(err, "submit step '%s'", name)
		}
		e.submitted[name] = id
		e.logger.Infof("Workflow '%s': submitted step '%s' as task %s", e.wf.Name, name, id)
	}
	return nil
}

func (e *WorkflowEngine) collectOutcomes() error {
	for name, taskID := range e.submitted {
		if e.resolved(name) {
			continue
		}
		task, err := e.queue.Get(taskID)
		if err != nil {
			return errors.Wrapf(err, "poll step '%s'", name)
		}
		switch task.Status {
		case models.CompletedTaskStatus:
			e.completed[name] = task.Result
			e.logger.Infof("Workflow '%s': step '%s' completed", e.wf.Name, name)
		case models.FailedTaskStatus:
			e.failed[name] = task.ErrorMsg
			e.logger.Errorf("Workflow '%s': step '%s' permanently failed: %s", e.wf.Name, name, task.ErrorMsg)
		}
	}
	return nil
}

// pruneSkipped marks every unresolved step downstream of a failure as skipped,
// recording the failed root so the summary can name the cause.
func (e *WorkflowEngine) pruneSkipped() {
	for _, name := range e.order {
		if e.resolved(name) {
			continue
		}
		for _, dep := range e.wf.Steps[name].DependsOn {
			if _, ok := e.failed[dep]; ok {
				e.skipped[name] = dep
				break
			}
			if root, ok := e.skipped[dep]; ok {
				e.skipped[name] = root
				break
			}
		}
	}
}

// Done reports whether every step is completed, failed or skipped.
func (e *WorkflowEngine) Done() bool {
	for _, name := range e.order {
		if !e.resolved(name) {
			return false
		}
	}
	return true
}

// RunToCompletion loops Advance until every step resolves or the timeout
// elapses. The returned summary is valid in both cases; on timeout the error
// is ErrWaitTimeout and unresolved tasks keep running in the background.
func (e *WorkflowEngine) RunToCompletion(ctx context.Context, pollInterval, timeout time.Duration) (models.WorkflowSummary, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := e.Advance(); err != nil {
			return e.Summary(), err
		}
		if e.Done() {
			return e.Summary(), nil
		}
		if time.Now().After(deadline) {
			return e.Summary(), errors.Wrapf(ErrWaitTimeout, "workflow '%s'", e.wf.Name)
		}
		select {
		case <-ctx.Done():
			return e.Summary(), ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Summary reports the current status of every step. Steps not yet resolved are
// shown as SUBMITTED or PENDING.
func (e *WorkflowEngine) Summary() models.WorkflowSummary {
	summary := models.WorkflowSummary{
		Name:  e.wf.Name,
		Steps: make(map[string]models.StepResult, len(e.wf.Steps)),
	}
	for _, name := range e.order {
		res := models.StepResult{Name: name, TaskID: e.submitted[name]}
		switch {
		case e.hasCompleted(name):
			res.Status = models.CompletedStepStatus
			res.Result = e.completed[name]
		case e.hasFailed(name):
			res.Status = models.FailedStepStatus
			res.Error = e.failed[name]
		case e.isSkipped(name):
			res.Status = models.SkippedStepStatus
			res.Skipped = e.skipped[name]
			res.Error = fmt.Sprintf("skipped: upstream step '%s' failed", e.skipped[name])
		case res.TaskID != "":
			res.Status = models.SubmittedStepStatus
		default:
			res.Status = models.PendingStepStatus
		}
		summary.Steps[name] = res
	}
	return summary
}

func (e *WorkflowEngine) hasCompleted(name string) bool {
	_, ok := e.completed[name]
	return ok
}

func (e *WorkflowEngine) hasFailed(name string) bool {
	_, ok := e.failed[name]
	return ok
}

func (e *WorkflowEngine) isSkipped(name string) bool {
	_, ok := e.skipped[name]
	return ok
}

// FailedSteps returns the names of permanently failed steps, sorted.
func (e *WorkflowEngine) FailedSteps() []string {
	names := make([]string, 0, len(e.failed))
	for name := range e.failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
