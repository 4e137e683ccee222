package application

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionInput is the request view exposed to rule conditions.
type ConditionInput struct {
	Prompt    string
	Documents []string
	UseCase   string
}

// ConditionEngine compiles and evaluates rule applicability conditions
// written in CEL. Conditions see the variables prompt, documents,
// document_count and use_case, and must evaluate to a bool.
//
// Compiled programs are cached by expression text and are safe for
// concurrent evaluation.
type ConditionEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEngine creates the CEL environment for rule conditions.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("prompt", cel.StringType),
		cel.Variable("documents", cel.ListType(cel.StringType)),
		cel.Variable("document_count", cel.IntType),
		cel.Variable("use_case", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a valid boolean condition and caches its
// program. An empty expression is always valid.
func (e *ConditionEngine) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Applies evaluates expr against in. An empty expression always applies.
func (e *ConditionEngine) Applies(expr string, in ConditionInput) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	docs := in.Documents
	if docs == nil {
		docs = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"prompt":         in.Prompt,
		"documents":      docs,
		"document_count": int64(len(docs)),
		"use_case":       in.UseCase,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	applies, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition must return boolean, got %T", out.Value())
	}
	return applies, nil
}

func (e *ConditionEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must return boolean, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
