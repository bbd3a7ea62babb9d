package ddp

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func variableData(t *testing.T, v *mlcontext.Variable) []float32 {
	t.Helper()
	value, err := v.Value()
	require.NoError(t, err)
	var flat []float32
	require.NoError(t, tensors.ConstFlatData(value, func(data []float32) {
		flat = append(flat, data...)
	}))
	return flat
}

func TestAverageVariables(t *testing.T) {
	results := make([][]float32, 3)
	runWorld(t, 3, func(g *Group) error {
		modelCtx := mlcontext.New()
		scope := modelCtx.In("model")
		// Rank r holds [r, 10r]; the average across ranks 0..2 is [1, 10].
		scope.VariableWithValue("w", []float32{float32(g.Rank), 10 * float32(g.Rank)})

		if err := g.AverageVariables(context.Background(), modelCtx); err != nil {
			return err
		}
		v := modelCtx.InspectVariable(scope.Scope(), "w")
		if v == nil {
			return fmt.Errorf("rank %d lost its variable", g.Rank)
		}
		results[g.Rank] = variableData(t, v)
		return nil
	})
	for rank, got := range results {
		assert.Equalf(t, []float32{1, 10}, got, "rank %d", rank)
	}
}

func TestBroadcastVariables(t *testing.T) {
	results := make([][]float32, 2)
	runWorld(t, 2, func(g *Group) error {
		modelCtx := mlcontext.New()
		scope := modelCtx.In("model")
		if g.IsMaster() {
			// Only rank 0 has the variable, e.g. restored from a checkpoint.
			scope.VariableWithValue("w", []float32{4, 5, 6})
		}
		if err := g.BroadcastVariables(context.Background(), modelCtx); err != nil {
			return err
		}
		v := modelCtx.InspectVariable(scope.Scope(), "w")
		if v == nil {
			return fmt.Errorf("rank %d: variable was not broadcast", g.Rank)
		}
		results[g.Rank] = variableData(t, v)
		return nil
	})
	for rank, got := range results {
		assert.Equalf(t, []float32{4, 5, 6}, got, "rank %d", rank)
	}
}

func TestBroadcastVariablesIncludesNonTrainable(t *testing.T) {
	// After a checkpoint restore only rank 0 knows the global step and the
	// optimizer state; both must reach the workers with their trainable flag
	// intact, or the ranks disagree on the remaining steps and on which
	// variables take part in parameter averaging.
	steps := make([]int64, 2)
	runWorld(t, 2, func(g *Group) error {
		modelCtx := mlcontext.New()
		if g.IsMaster() {
			modelCtx.In("model").VariableWithValue("global_step", int64(7)).SetTrainable(false)
			modelCtx.In("model").VariableWithValue("w", []float32{1, 2})
		}
		if err := g.BroadcastVariables(context.Background(), modelCtx); err != nil {
			return err
		}
		v := modelCtx.InspectVariable(modelCtx.In("model").Scope(), "global_step")
		if v == nil {
			return fmt.Errorf("rank %d: global step was not broadcast", g.Rank)
		}
		if v.Trainable {
			return fmt.Errorf("rank %d: global step arrived marked trainable", g.Rank)
		}
		value, err := v.Value()
		if err != nil {
			return err
		}
		steps[g.Rank] = tensors.ToScalar[int64](value)
		// Averaging right after must see the same variable set on both ranks.
		return g.AverageVariables(context.Background(), modelCtx)
	})
	assert.Equal(t, []int64{7, 7}, steps)
}

func TestAllReduceTensor(t *testing.T) {
	results := make([][]float32, 2)
	runWorld(t, 2, func(g *Group) error {
		local := tensors.FromFlatDataAndDimensions(
			[]float32{float32(g.Rank), float32(g.Rank) + 1}, 2)
		if err := g.AllReduceTensor(context.Background(), local, ReduceSum); err != nil {
			return err
		}
		var flat []float32
		if err := tensors.ConstFlatData(local, func(data []float32) {
			flat = append(flat, data...)
		}); err != nil {
			return err
		}
		results[g.Rank] = flat
		return nil
	})
	for rank, got := range results {
		assert.Equalf(t, []float32{1, 3}, got, "rank %d", rank)
	}
}

func TestBroadcastTensor(t *testing.T) {
	results := make([][]float32, 3)
	runWorld(t, 3, func(g *Group) error {
		var local *tensors.Tensor
		if g.IsMaster() {
			local = tensors.FromFlatDataAndDimensions([]float32{7, 8, 9}, 3)
		}
		got, err := g.BroadcastTensor(context.Background(), local)
		if err != nil {
			return err
		}
		var flat []float32
		if err := tensors.ConstFlatData(got, func(data []float32) {
			flat = append(flat, data...)
		}); err != nil {
			return err
		}
		results[g.Rank] = flat
		return nil
	})
	for rank, got := range results {
		assert.Equalf(t, []float32{7, 8, 9}, got, "rank %d", rank)
	}
}

func TestBroadcastVariablesOverwrites(t *testing.T) {
	runWorld(t, 2, func(g *Group) error {
		modelCtx := mlcontext.New()
		value := []float32{1, 2}
		if !g.IsMaster() {
			value = []float32{-1, -2}
		}
		modelCtx.In("model").VariableWithValue("w", value)
		if err := g.BroadcastVariables(context.Background(), modelCtx); err != nil {
			return err
		}
		got := variableData(t, modelCtx.InspectVariable(modelCtx.In("model").Scope(), "w"))
		if got[0] != 1 || got[1] != 2 {
			return fmt.Errorf("rank %d kept %v", g.Rank, got)
		}
		return nil
	})
}
