// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/maestro/internal/deploy"
	"github.com/tombee/maestro/internal/pipeline"
	"github.com/tombee/maestro/internal/training"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// opPollInterval is how often dispatched nested-engine work is polled
// for completion.
const opPollInterval = 20 * time.Millisecond

// stepAction is the executing state's entry action. It either settles
// the plan (all steps done), yields to the checkpoint policy, raises a
// human gate, or dispatches the current step on a goroutine.
func (e *Engine) stepAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		step := r.currentStepLocked()
		if step == nil {
			r.mu.Unlock()
			_ = r.interp.SendEvent(evAllStepsCompleted)
			return
		}
		if r.checkpointDueLocked(e.cfg.CheckpointInterval) {
			r.mu.Unlock()
			_ = r.interp.SendEvent(evCheckpointDue)
			return
		}
		if step.Type == workflow.StepTypeHumanTask {
			rec := r.exec.Step(step.Name, step.Type)
			rec.Status = workflow.StepRunning
			if rec.StartedAt.IsZero() {
				rec.StartedAt = time.Now()
			}
			r.mu.Unlock()
			_ = r.interp.SendEvent(evHumanGate)
			return
		}
		r.dispatchSeq++
		seq := r.dispatchSeq
		r.mu.Unlock()

		go e.runStep(r, step, seq)
	}
}

// runStep executes one dispatched step and reports the outcome back to
// the interpreter. Results arriving after the run left executing, or
// after the step was dispatched again, are discarded.
func (e *Engine) runStep(r *run, step *workflow.StepDefinition, seq uint64) {
	started := time.Now()
	r.mu.Lock()
	rec := r.exec.Step(step.Name, step.Type)
	rec.Status = workflow.StepRunning
	rec.Attempts++
	rec.StartedAt = started
	rec.Error = ""
	attempt := rec.Attempts
	r.mu.Unlock()

	e.publish(eventStepStarted, map[string]any{
		"executionId": r.exec.ID,
		"step":        step.Name,
		"type":        string(step.Type),
		"attempt":     attempt,
	})
	e.logger.Debug("step started",
		"execution_id", r.exec.ID, "step", step.Name,
		"type", step.Type, "attempt", attempt)

	ctx := r.ctx
	if timeout := e.stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := e.executeStep(ctx, r, step, attempt)
	err = e.normalizeStepError(ctx, step, attempt, err)

	now := time.Now()
	duration := now.Sub(started)

	r.mu.Lock()
	if r.exec.Status != workflow.StatusExecuting || seq != r.dispatchSeq {
		// The machine moved on (pause, cancel, terminal, re-dispatch);
		// this result no longer belongs to the current cycle.
		status := r.exec.Status
		r.mu.Unlock()
		e.logger.Debug("step result discarded",
			"execution_id", r.exec.ID, "step", step.Name,
			"status", status)
		return
	}
	rec.CompletedAt = now
	rec.DurationMS = duration.Milliseconds()

	if err != nil {
		rec.Status = workflow.StepFailed
		rec.Error = err.Error()
		r.mu.Unlock()
		r.fail(err)

		observeStep(string(step.Type), "failed", duration)
		e.publish(eventStepFailed, map[string]any{
			"executionId": r.exec.ID,
			"step":        step.Name,
			"type":        string(step.Type),
			"attempt":     attempt,
			"error":       err.Error(),
		})
		e.logger.Warn("step failed",
			"execution_id", r.exec.ID, "step", step.Name,
			"attempt", attempt, "error", err)
		_ = r.interp.SendEvent(evStepFailed)
		return
	}

	rec.Status = workflow.StepCompleted
	rec.Output = output
	r.exec.Context.Outputs[step.Name] = output
	gated := step.RequiresHumanValidation
	if !gated {
		r.advanceLocked()
	}
	r.mu.Unlock()

	observeStep(string(step.Type), "completed", duration)
	e.publish(eventStepCompleted, map[string]any{
		"executionId": r.exec.ID,
		"step":        step.Name,
		"type":        string(step.Type),
		"durationMs":  duration.Milliseconds(),
	})
	e.logger.Info("step completed",
		"execution_id", r.exec.ID, "step", step.Name,
		"type", step.Type, "duration", duration)

	if gated {
		_ = r.interp.SendEvent(evHumanGate)
		return
	}
	_ = r.interp.SendEvent(evStepCompleted)
}

// stepTimeout is the step's own timeout or the engine default.
func (e *Engine) stepTimeout(step *workflow.StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Second
	}
	return e.cfg.DefaultStepTimeout
}

// normalizeStepError maps operator errors to the orchestration error
// taxonomy: deadline hits become timeouts, everything else a StepError
// carrying the cause.
func (e *Engine) normalizeStepError(ctx context.Context, step *workflow.StepDefinition, attempt int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = &maestroerrors.TimeoutError{
			Operation: "step " + step.Name,
			Duration:  e.stepTimeout(step),
			Cause:     err,
		}
	}
	var stepErr *maestroerrors.StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return &maestroerrors.StepError{
		StepID:   step.Name,
		StepType: string(step.Type),
		Attempts: attempt,
		Cause:    err,
	}
}

// executeStep runs one step of any type and returns its output value.
// Compound steps recurse; their children record step executions and
// outputs of their own.
func (e *Engine) executeStep(ctx context.Context, r *run, step *workflow.StepDefinition, attempt int) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch step.Type {
	case workflow.StepTypeDataPipeline:
		return e.runPipelineStep(ctx, r, step)
	case workflow.StepTypeTraining:
		return e.runTrainingStep(ctx, r, step, attempt)
	case workflow.StepTypeModelDeployment:
		return e.runDeploymentStep(ctx, r, step)
	case workflow.StepTypeValidation:
		return e.runValidationStep(r, step)
	case workflow.StepTypeParallel:
		return e.runParallelStep(ctx, r, step)
	case workflow.StepTypeConditional:
		return e.runConditionalStep(ctx, r, step)
	case workflow.StepTypeScript:
		return e.runScriptStep(r, step)
	case workflow.StepTypeHumanTask:
		// Top-level human tasks gate through the state machine; one
		// showing up here is nested inside a compound step.
		return nil, &maestroerrors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("human_task step %q cannot run inside a compound step", step.Name),
		}
	default:
		return nil, &maestroerrors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown step type: %s", step.Type),
		}
	}
}

// awaitOperation polls a dispatched nested-engine operation until it
// finishes or ctx ends. The operation's cancel hook stays registered
// for the duration so execution-level cancellation reaches it.
func (e *Engine) awaitOperation(ctx context.Context, r *run, opID string, cancelOp func(), poll func() (bool, error)) error {
	r.registerOp(opID, cancelOp)
	defer r.deregisterOp(opID)

	ticker := time.NewTicker(opPollInterval)
	defer ticker.Stop()
	for {
		done, err := poll()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			cancelOp()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runPipelineStep drives a data pipeline execution and summarizes its
// result: record and batch counts, the batch layout, and the validation
// verdict.
func (e *Engine) runPipelineStep(ctx context.Context, r *run, step *workflow.StepDefinition) (any, error) {
	if e.deps.Pipelines == nil {
		return nil, &maestroerrors.ConfigError{Key: "orchestrator.pipelines", Reason: "no pipeline engine configured"}
	}

	pipeID := r.exec.ID + ":" + step.Name
	if err := e.deps.Pipelines.CreatePipeline(pipeID, step.Pipeline); err != nil {
		return nil, err
	}
	execID, err := e.deps.Pipelines.ExecutePipeline(ctx, pipeID)
	if err != nil {
		return nil, err
	}

	var snap *pipeline.Execution
	err = e.awaitOperation(ctx, r, "pipeline:"+execID,
		func() { _ = e.deps.Pipelines.Cancel(execID) },
		func() (bool, error) {
			cur, err := e.deps.Pipelines.GetExecution(execID)
			if err != nil {
				return false, err
			}
			if !cur.Done() {
				return false, nil
			}
			if cur.Error != "" || cur.Cancelled {
				return false, fmt.Errorf("pipeline execution %s: %s", cur.Phase, cur.Error)
			}
			snap = cur
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	return pipelineOutput(execID, snap), nil
}

// pipelineOutput shapes a finished pipeline execution into a step
// output value.
func pipelineOutput(execID string, exec *pipeline.Execution) map[string]any {
	out := map[string]any{
		"executionId": execID,
		"records":     exec.RecordCount,
		"batchCount":  exec.BatchCount,
		"cached":      exec.Cached,
	}
	if len(exec.Batches) > 0 {
		batches := make([]any, 0, len(exec.Batches))
		for _, b := range exec.Batches {
			batches = append(batches, map[string]any{
				"id":    b.ID,
				"index": b.Index,
				"size":  b.Size,
				"start": b.Start,
				"end":   b.End,
			})
		}
		out["batches"] = batches
	}
	if exec.Validation != nil {
		out["validation"] = map[string]any{
			"passed":       exec.Validation.Passed,
			"totalRecords": exec.Validation.TotalRecords,
			"validRecords": exec.Validation.ValidRecords,
			"errorCount":   exec.Validation.ErrorCount,
		}
	}
	return out
}

// runTrainingStep drives a distributed training job to completion and
// summarizes its final model and metrics. Job ids carry the attempt
// number so retries register cleanly.
func (e *Engine) runTrainingStep(ctx context.Context, r *run, step *workflow.StepDefinition, attempt int) (any, error) {
	if e.deps.Training == nil {
		return nil, &maestroerrors.ConfigError{Key: "orchestrator.training", Reason: "no training coordinator configured"}
	}

	jobID := fmt.Sprintf("%s:%s:%d", r.exec.ID, step.Name, attempt)
	if err := e.deps.Training.StartDistributedTraining(ctx, jobID, step.Training); err != nil {
		return nil, err
	}

	var job *training.Job
	err := e.awaitOperation(ctx, r, "training:"+jobID,
		func() { _ = e.deps.Training.CancelTraining(jobID) },
		func() (bool, error) {
			cur, err := e.deps.Training.GetJob(jobID)
			if err != nil {
				return false, err
			}
			if !cur.Done() {
				return false, nil
			}
			if cur.Error != "" || cur.Cancelled {
				return false, fmt.Errorf("training job %s: %s", cur.Phase, cur.Error)
			}
			job = cur
			return true, nil
		})
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"jobId":    jobID,
		"topology": string(job.Topology),
		"agents":   len(job.AgentIDs),
		"epochs":   len(job.EpochMetrics),
	}
	if n := len(job.EpochMetrics); n > 0 {
		last := job.EpochMetrics[n-1]
		out["finalLoss"] = last.Loss
		out["finalAccuracy"] = last.Accuracy
		out["throughput"] = last.Throughput
	}
	if job.FinalModel != nil {
		out["modelVersion"] = job.FinalModel.Version
	}
	return out, nil
}

// runDeploymentStep resolves the model behind the step and drives its
// deployment to a terminal phase, surfacing the rollout recommendation.
func (e *Engine) runDeploymentStep(ctx context.Context, r *run, step *workflow.StepDefinition) (any, error) {
	if e.deps.Deployments == nil {
		return nil, &maestroerrors.ConfigError{Key: "orchestrator.deployments", Reason: "no deployment engine configured"}
	}

	r.mu.Lock()
	execCtx := r.exec.Context.Clone()
	r.mu.Unlock()
	model, err := e.deps.Models.Resolve(ctx, step.Deployment, execCtx)
	if err != nil {
		return nil, err
	}

	deployID, err := e.deps.Deployments.DeployModel(ctx, model, step.Deployment)
	if err != nil {
		return nil, err
	}

	var dep *deploy.Deployment
	err = e.awaitOperation(ctx, r, "deploy:"+deployID,
		func() { _ = e.deps.Deployments.CancelDeployment(deployID) },
		func() (bool, error) {
			cur, err := e.deps.Deployments.GetDeployment(deployID)
			if err != nil {
				return false, err
			}
			if !cur.Done() {
				return false, nil
			}
			if cur.Error != "" || cur.Cancelled {
				return false, fmt.Errorf("deployment %s: %s", cur.Phase, cur.Error)
			}
			dep = cur
			return true, nil
		})
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"deploymentId": dep.ID,
		"modelId":      dep.ModelID,
		"version":      dep.Version,
		"strategy":     dep.Strategy,
		"key":          dep.DeploymentKey,
	}
	if dep.Recommendation != "" {
		out["recommendation"] = dep.Recommendation
	}
	if dep.ABTest != nil {
		out["abTest"] = dep.ABTest
	}
	return out, nil
}

// runParallelStep fans child steps out concurrently and collects their
// results in declaration order. Any child failure fails the whole step;
// the shared group context stops siblings still running.
func (e *Engine) runParallelStep(ctx context.Context, r *run, step *workflow.StepDefinition) (any, error) {
	results := make([]any, len(step.Steps))

	g, groupCtx := errgroup.WithContext(ctx)
	for i := range step.Steps {
		child := &step.Steps[i]
		idx := i

		r.mu.Lock()
		childRec := r.exec.Step(child.Name, child.Type)
		childRec.Status = workflow.StepRunning
		childRec.Attempts++
		childRec.StartedAt = time.Now()
		childAttempt := childRec.Attempts
		r.mu.Unlock()

		g.Go(func() error {
			out, err := e.executeStep(groupCtx, r, child, childAttempt)
			now := time.Now()
			r.mu.Lock()
			childRec.CompletedAt = now
			childRec.DurationMS = now.Sub(childRec.StartedAt).Milliseconds()
			if err != nil {
				childRec.Status = workflow.StepFailed
				childRec.Error = err.Error()
				r.mu.Unlock()
				observeStep(string(child.Type), "failed", time.Duration(childRec.DurationMS)*time.Millisecond)
				return &maestroerrors.StepError{
					StepID:   child.Name,
					StepType: string(child.Type),
					Attempts: childAttempt,
					Cause:    err,
				}
			}
			childRec.Status = workflow.StepCompleted
			childRec.Output = out
			r.exec.Context.Outputs[child.Name] = out
			r.mu.Unlock()
			observeStep(string(child.Type), "completed", time.Duration(childRec.DurationMS)*time.Millisecond)
			results[idx] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]any{"parallelResults": results}, nil
}

// runConditionalStep evaluates the condition against the execution
// context and runs the matching branch sequentially. A condition that
// fails to parse or evaluate is false. Children of the branch not taken
// are marked skipped.
func (e *Engine) runConditionalStep(ctx context.Context, r *run, step *workflow.StepDefinition) (any, error) {
	verdict, err := e.eval.Evaluate(step.Condition, e.exprContext(r))
	if err != nil {
		e.logger.Debug("condition evaluation failed, treating as false",
			"execution_id", r.exec.ID, "step", step.Name, "error", err)
		verdict = false
	}

	branch, skipped := step.Steps, step.ElseSteps
	branchName := "then"
	if !verdict {
		branch, skipped = step.ElseSteps, step.Steps
		branchName = "else"
	}

	r.mu.Lock()
	for i := range skipped {
		rec := r.exec.Step(skipped[i].Name, skipped[i].Type)
		if rec.Status == workflow.StepPending {
			rec.Status = workflow.StepSkipped
		}
	}
	r.mu.Unlock()

	results := make(map[string]any, len(branch))
	for i := range branch {
		child := &branch[i]

		r.mu.Lock()
		childRec := r.exec.Step(child.Name, child.Type)
		childRec.Status = workflow.StepRunning
		childRec.Attempts++
		childRec.StartedAt = time.Now()
		childAttempt := childRec.Attempts
		r.mu.Unlock()

		out, err := e.executeStep(ctx, r, child, childAttempt)
		now := time.Now()
		r.mu.Lock()
		childRec.CompletedAt = now
		childRec.DurationMS = now.Sub(childRec.StartedAt).Milliseconds()
		if err != nil {
			childRec.Status = workflow.StepFailed
			childRec.Error = err.Error()
			r.mu.Unlock()
			observeStep(string(child.Type), "failed", time.Duration(childRec.DurationMS)*time.Millisecond)
			return nil, &maestroerrors.StepError{
				StepID:   child.Name,
				StepType: string(child.Type),
				Attempts: childAttempt,
				Cause:    err,
			}
		}
		childRec.Status = workflow.StepCompleted
		childRec.Output = out
		r.exec.Context.Outputs[child.Name] = out
		r.mu.Unlock()
		observeStep(string(child.Type), "completed", time.Duration(childRec.DurationMS)*time.Millisecond)
		results[child.Name] = out
	}

	return map[string]any{
		"condition": verdict,
		"branch":    branchName,
		"results":   results,
	}, nil
}

// runScriptStep evaluates the sandboxed program against a read-only
// view of the execution context. The program's value is the step
// output.
func (e *Engine) runScriptStep(r *run, step *workflow.StepDefinition) (any, error) {
	value, err := e.eval.EvaluateValue(step.Script.Program, e.exprContext(r))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// runValidationStep applies the declared rules to the execution
// context. The step output always reports the verdict; FailOnError
// additionally fails the step when any rule misses.
func (e *Engine) runValidationStep(r *run, step *workflow.StepDefinition) (any, error) {
	view := e.exprContext(r)

	var failures []map[string]any
	for i := range step.Validation.Rules {
		rule := &step.Validation.Rules[i]
		if msg := checkRule(rule, view); msg != "" {
			failures = append(failures, map[string]any{
				"field": rule.Field,
				"rule":  rule.Type,
				"error": msg,
			})
		}
	}

	out := map[string]any{
		"passed":         len(failures) == 0,
		"rulesEvaluated": len(step.Validation.Rules),
	}
	if len(failures) > 0 {
		out["errors"] = failures
		if step.Validation.FailOnError {
			return nil, &maestroerrors.ValidationError{
				Field:   failures[0]["field"].(string),
				Message: failures[0]["error"].(string),
			}
		}
	}
	return out, nil
}

// checkRule evaluates one rule against the context view; empty means
// the rule passed.
func checkRule(rule *workflow.ValidationRule, view map[string]any) string {
	value, found := resolvePath(view, rule.Field)

	switch rule.Type {
	case "required":
		if !found || value == nil {
			return fmt.Sprintf("field %s is required", rule.Field)
		}
	case "range":
		if !found {
			return fmt.Sprintf("field %s is missing", rule.Field)
		}
		num, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("field %s is not numeric", rule.Field)
		}
		if rule.Min != nil && num < *rule.Min {
			return fmt.Sprintf("field %s value %v is below minimum %v", rule.Field, num, *rule.Min)
		}
		if rule.Max != nil && num > *rule.Max {
			return fmt.Sprintf("field %s value %v is above maximum %v", rule.Field, num, *rule.Max)
		}
	case "pattern":
		if !found {
			return fmt.Sprintf("field %s is missing", rule.Field)
		}
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprintf("%v", value)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Sprintf("invalid pattern for field %s: %v", rule.Field, err)
		}
		if !re.MatchString(str) {
			return fmt.Sprintf("field %s does not match pattern %s", rule.Field, rule.Pattern)
		}
	default:
		return fmt.Sprintf("unknown rule type %q", rule.Type)
	}
	return ""
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(view map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = view
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// exprContext is the sandboxed view expressions evaluate against:
// inputs, variables, and outputs planes plus top-level variable access.
func (e *Engine) exprContext(r *run) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := r.exec.Context.Clone()
	return expression.BuildContext(r.exec.Inputs, ctx.Variables, ctx.Outputs)
}
