package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/service"
)

func pipelineWorkflow() *models.Workflow {
	wf := models.NewWorkflow("research_pipeline")
	wf.AddStep(models.WorkflowStep{
		Name:        "generate_query",
		TargetAgent: "querygen",
		Operation:   "build",
		Parameters:  models.Params{"question": "statin efficacy"},
	})
	wf.AddStep(models.WorkflowStep{
		Name:        "score_documents",
		TargetAgent: "scorer",
		Operation:   "score",
		DependsOn:   []string{"generate_query"},
	})
	wf.AddStep(models.WorkflowStep{
		Name:        "write_report",
		TargetAgent: "reporter",
		Operation:   "synthesize",
		DependsOn:   []string{"score_documents"},
	})
	return wf
}

func TestWorkflowEngine_Validation(t *testing.T) {
	qm := newQueue(t)

	t.Run("EmptyWorkflow", func(t *testing.T) {
		_, err := service.NewWorkflowEngine(qm, logger{}, models.NewWorkflow("empty"))
		assert.Error(t, err)
	})

	t.Run("MissingAgent", func(t *testing.T) {
		wf := models.NewWorkflow("bad")
		wf.AddStep(models.WorkflowStep{Name: "a", Operation: "build"})
		_, err := service.NewWorkflowEngine(qm, logger{}, wf)
		assert.Error(t, err)
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		wf := models.NewWorkflow("bad")
		wf.AddStep(models.WorkflowStep{
			Name: "a", TargetAgent: "scorer", Operation: "score",
			DependsOn: []string{"missing"},
		})
		_, err := service.NewWorkflowEngine(qm, logger{}, wf)
		assert.Error(t, err)
	})

	t.Run("Cycle", func(t *testing.T) {
		wf := models.NewWorkflow("cyclic")
		wf.AddStep(models.WorkflowStep{
			Name: "a", TargetAgent: "scorer", Operation: "score",
			DependsOn: []string{"b"},
		})
		wf.AddStep(models.WorkflowStep{
			Name: "b", TargetAgent: "scorer", Operation: "score",
			DependsOn: []string{"a"},
		})
		_, err := service.NewWorkflowEngine(qm, logger{}, wf)
		assert.ErrorIs(t, err, service.ErrCyclicDependency)
	})
}

func TestWorkflowEngine_DependencyGating(t *testing.T) {
	qm := newQueue(t)
	engine, err := service.NewWorkflowEngine(qm, logger{}, pipelineWorkflow())
	assert.NoError(t, err)

	// Only the root step is ready before anything runs.
	assert.Equal(t, []string{"generate_query"}, engine.ReadySteps())

	assert.NoError(t, engine.Advance())
	assert.Empty(t, engine.ReadySteps(), "dependents must wait for the root")

	// A second pass must not re-submit the root step.
	assert.NoError(t, engine.Advance())
	counts, err := qm.Stats("querygen")
	assert.NoError(t, err)
	assert.Equal(t, 1, counts[models.PendingTaskStatus])

	// Resolve the root; the next pass submits its dependent.
	task, err := qm.Claim("querygen")
	assert.NoError(t, err)
	assert.NoError(t, qm.Complete(task.ID, models.Params{"query": "statin AND efficacy"}))

	assert.NoError(t, engine.Advance())
	counts, err = qm.Stats("scorer")
	assert.NoError(t, err)
	assert.Equal(t, 1, counts[models.PendingTaskStatus])
	assert.False(t, engine.Done())

	summary := engine.Summary()
	assert.Equal(t, models.CompletedStepStatus, summary.Steps["generate_query"].Status)
	assert.Equal(t, models.SubmittedStepStatus, summary.Steps["score_documents"].Status)
	assert.Equal(t, models.PendingStepStatus, summary.Steps["write_report"].Status)
}

func TestWorkflowEngine_FailurePrunesDependents(t *testing.T) {
	qm := newQueue(t)
	engine, err := service.NewWorkflowEngine(qm, logger{}, pipelineWorkflow())
	assert.NoError(t, err)

	assert.NoError(t, engine.Advance())
	task, err := qm.Claim("querygen")
	assert.NoError(t, err)
	assert.NoError(t, qm.Fail(task.ID, "llm refused the prompt", false))

	assert.NoError(t, engine.Advance())
	assert.True(t, engine.Done(), "skipped dependents should resolve the workflow")

	summary := engine.Summary()
	assert.False(t, summary.Succeeded())
	assert.Equal(t, models.FailedStepStatus, summary.Steps["generate_query"].Status)
	assert.Equal(t, "llm refused the prompt", summary.Steps["generate_query"].Error)

	scored := summary.Steps["score_documents"]
	assert.Equal(t, models.SkippedStepStatus, scored.Status)
	assert.Equal(t, "generate_query", scored.Skipped)

	// Skip propagation names the failed root, not the intermediate step.
	report := summary.Steps["write_report"]
	assert.Equal(t, models.SkippedStepStatus, report.Status)
	assert.Equal(t, "generate_query", report.Skipped)

	assert.Equal(t, []string{"generate_query"}, engine.FailedSteps())

	// No task was ever created for the pruned steps.
	counts, err := qm.Stats("scorer")
	assert.NoError(t, err)
	assert.Empty(t, counts)
}

func TestWorkflowEngine_RunToCompletion(t *testing.T) {
	qm := newQueue(t)

	registry := service.NewAgentRegistry()
	assert.NoError(t, registry.Register("querygen", service.OperationMap{
		"build": func(ctx context.Context, params models.Params) (models.Params, error) {
			return models.Params{"query": params["question"].(string) + " [ti]"}, nil
		},
	}))
	assert.NoError(t, registry.Register("scorer", service.OperationMap{
		"score": func(ctx context.Context, params models.Params) (models.Params, error) {
			return models.Params{"top_score": float64(4)}, nil
		},
	}))
	assert.NoError(t, registry.Register("reporter", service.OperationMap{
		"synthesize": func(ctx context.Context, params models.Params) (models.Params, error) {
			return models.Params{"report": "done"}, nil
		},
	}))
	startPool(t, qm, registry)

	engine, err := service.NewWorkflowEngine(qm, logger{}, pipelineWorkflow())
	assert.NoError(t, err)

	summary, err := engine.RunToCompletion(context.Background(), 10*time.Millisecond, 10*time.Second)
	assert.NoError(t, err)
	assert.True(t, summary.Succeeded())
	assert.Equal(t, models.Params{"query": "statin efficacy [ti]"}, summary.Steps["generate_query"].Result)
	assert.Equal(t, models.Params{"report": "done"}, summary.Steps["write_report"].Result)

	// Every spawned task carries the workflow as its source agent.
	task, err := qm.Get(summary.Steps["write_report"].TaskID)
	assert.NoError(t, err)
	assert.Equal(t, "workflow:research_pipeline", task.SourceAgent)
}

func TestWorkflowEngine_RunToCompletionTimeout(t *testing.T) {
	qm := newQueue(t)
	engine, err := service.NewWorkflowEngine(qm, logger{}, pipelineWorkflow())
	assert.NoError(t, err)

	// No worker pool: the root task is never resolved.
	summary, err := engine.RunToCompletion(context.Background(), 5*time.Millisecond, 50*time.Millisecond)
	assert.True(t, errors.Is(err, service.ErrWaitTimeout))
	assert.Equal(t, models.SubmittedStepStatus, summary.Steps["generate_query"].Status)
}
