// Package worker is the child-process runtime: it reads coordinator
// messages from stdin, runs task code in an embedded JavaScript engine,
// and writes results to stdout. It never touches the database.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

// ExecContext is the second argument handed to a task's execute function.
type ExecContext struct {
	TaskID      int64
	JobID       int64
	ExecutionID string
}

// Runner executes task code. Each call builds a fresh VM so tasks cannot
// observe each other's globals.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner that routes task console output to logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// TaskError is a failure raised by the task code itself, as opposed to a
// schema or harness failure.
type TaskError struct {
	Message string
	Value   any // thrown JS value, exported
}

func (e *TaskError) Error() string { return e.Message }

// Execute validates the input, runs the task's execute function, and
// validates the produced output.
func (r *Runner) Execute(def *taskfs.Definition, input json.RawMessage, ec ExecContext) (json.RawMessage, error) {
	if err := taskfs.ValidateAgainst(def.InputSchema, input); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "input rejected by schema")
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	r.installConsole(vm, def.Metadata.Name)

	// CommonJS-style shim so both `function execute` and
	// `module.exports = ...` tasks load.
	module := vm.NewObject()
	moduleExports := vm.NewObject()
	_ = module.Set("exports", moduleExports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", moduleExports)

	if _, err := vm.RunScript(def.Metadata.Name, def.Code); err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, &TaskError{Message: exc.Error(), Value: exc.Value().Export()}
		}
		return nil, domain.Wrap(domain.KindValidation, err, "task code does not parse")
	}

	execute, err := r.resolveExecute(vm, module)
	if err != nil {
		return nil, err
	}

	var inputVal any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputVal); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "input is not valid JSON")
		}
	}

	ctxObj := vm.NewObject()
	_ = ctxObj.Set("taskId", ec.TaskID)
	_ = ctxObj.Set("jobId", ec.JobID)
	_ = ctxObj.Set("executionId", ec.ExecutionID)
	_ = ctxObj.Set("log", func(call goja.FunctionCall) goja.Value {
		r.logTaskArgs(def.Metadata.Name, call.Arguments)
		return goja.Undefined()
	})

	result, err := execute(goja.Undefined(), vm.ToValue(inputVal), ctxObj)
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, &TaskError{Message: exc.Error(), Value: exc.Value().Export()}
		}
		return nil, &TaskError{Message: err.Error()}
	}

	output, err := encodeResult(result)
	if err != nil {
		return nil, err
	}
	if err := taskfs.ValidateAgainst(def.OutputSchema, output); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "output rejected by schema")
	}
	return output, nil
}

// Validate checks that the task parses and exposes an execute function,
// and that its schemas compile.
func (r *Runner) Validate(def *taskfs.Definition) error {
	if len(def.InputSchema) > 0 {
		if _, err := taskfs.CompileSchema(def.InputSchema); err != nil {
			return domain.Wrap(domain.KindValidation, err, "input schema invalid")
		}
	}
	if len(def.OutputSchema) > 0 {
		if _, err := taskfs.CompileSchema(def.OutputSchema); err != nil {
			return domain.Wrap(domain.KindValidation, err, "output schema invalid")
		}
	}

	vm := goja.New()
	r.installConsole(vm, def.Metadata.Name)
	module := vm.NewObject()
	moduleExports := vm.NewObject()
	_ = module.Set("exports", moduleExports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", moduleExports)

	if _, err := vm.RunScript(def.Metadata.Name, def.Code); err != nil {
		return domain.Wrap(domain.KindValidation, err, "task code does not parse")
	}
	if _, err := r.resolveExecute(vm, module); err != nil {
		return err
	}
	return nil
}

// resolveExecute finds the task entrypoint: a global `execute`, a
// function `module.exports`, or `module.exports.execute`.
func (r *Runner) resolveExecute(vm *goja.Runtime, module *goja.Object) (goja.Callable, error) {
	if fn, ok := goja.AssertFunction(vm.Get("execute")); ok {
		return fn, nil
	}
	exportsVal := module.Get("exports")
	if exportsVal != nil {
		if fn, ok := goja.AssertFunction(exportsVal); ok {
			return fn, nil
		}
		if obj, ok := exportsVal.(*goja.Object); ok {
			if fn, ok := goja.AssertFunction(obj.Get("execute")); ok {
				return fn, nil
			}
		}
	}
	return nil, domain.E(domain.KindValidation, "task does not export an execute function")
}

func encodeResult(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	exported := v.Export()
	out, err := json.Marshal(exported)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "task output is not JSON-serialisable")
	}
	return out, nil
}

func (r *Runner) installConsole(vm *goja.Runtime, taskName string) {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		r.logTaskArgs(taskName, call.Arguments)
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("info", logFn)
	_ = console.Set("warn", logFn)
	_ = console.Set("error", logFn)
	_ = vm.Set("console", console)
}

func (r *Runner) logTaskArgs(taskName string, args []goja.Value) {
	parts := make([]any, 0, len(args))
	for _, a := range args {
		parts = append(parts, a.Export())
	}
	r.logger.Info(fmt.Sprint(parts...), "task", taskName, "source", "task_code")
}

// timedExecute wraps Execute with wall-clock bookkeeping for TaskResult.
func (r *Runner) timedExecute(def *taskfs.Definition, input json.RawMessage, ec ExecContext) (json.RawMessage, time.Time, time.Time, error) {
	started := time.Now().UTC().Truncate(time.Millisecond)
	out, err := r.Execute(def, input, ec)
	completed := time.Now().UTC().Truncate(time.Millisecond)
	return out, started, completed, err
}
