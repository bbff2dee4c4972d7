package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stage names one step of a multi-stage backend operation.
type Stage string

// StageDone terminates a Machine successfully.
const StageDone Stage = "done"

// maxTransitions bounds a run so a table with a cycle cannot spin forever.
const maxTransitions = 64

// StageFunc runs one stage to its terminal outcome and returns the stage to enter next.
type StageFunc func(ctx context.Context) (Stage, error)

// Machine sequences the stages of one operation through an explicit transition table.
// A stage only starts after the previous one returned, and the first error aborts the run.
type Machine struct {
	operation string
	logger    *zap.Logger
	start     Stage
	table     map[Stage]StageFunc
	trace     []Stage
}

func NewMachine(operation string, logger *zap.Logger, start Stage, table map[Stage]StageFunc) *Machine {
	return &Machine{
		operation: operation,
		logger:    logger,
		start:     start,
		table:     table,
	}
}

func (m *Machine) Run(ctx context.Context) error {
	stage := m.start
	for stage != StageDone {
		if len(m.trace) >= maxTransitions {
			return &StageError{Operation: m.operation, Stage: stage, Err: fmt.Errorf("exceeded %d transitions", maxTransitions)}
		}

		// Check context cancellation before each stage
		if err := ctx.Err(); err != nil {
			return &StageError{Operation: m.operation, Stage: stage, Err: fmt.Errorf("context cancelled: %w", err)}
		}

		fn, ok := m.table[stage]
		if !ok {
			return &StageError{Operation: m.operation, Stage: stage, Err: fmt.Errorf("no transition registered")}
		}

		m.logger.Debug("entering stage", zap.String("operation", m.operation), zap.String("stage", string(stage)))
		start := time.Now()
		next, err := fn(ctx)
		m.trace = append(m.trace, stage)
		if err != nil {
			m.logger.Debug("stage failed",
				zap.String("operation", m.operation),
				zap.String("stage", string(stage)),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return &StageError{Operation: m.operation, Stage: stage, Err: err}
		}

		m.logger.Debug("stage finished",
			zap.String("operation", m.operation),
			zap.String("stage", string(stage)),
			zap.String("next", string(next)),
			zap.Duration("duration", time.Since(start)),
		)
		stage = next
	}

	return nil
}

// Trace returns the stages that ran, in order.
func (m *Machine) Trace() []Stage {
	return m.trace
}
