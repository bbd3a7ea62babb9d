package ddp

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trainableVariables returns the model's trainable variables sorted by scope and
// name. All ranks build the model identically, so the sorted order is the shared
// wire order for variable collectives.
func trainableVariables(modelCtx *mlcontext.Context) []*mlcontext.Variable {
	var vars []*mlcontext.Variable
	modelCtx.EnumerateVariables(func(v *mlcontext.Variable) {
		if v.Trainable {
			vars = append(vars, v)
		}
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ScopeAndName() < vars[j].ScopeAndName()
	})
	return vars
}

// allVariables returns every variable of the context, in the same sorted order.
func allVariables(modelCtx *mlcontext.Context) []*mlcontext.Variable {
	var vars []*mlcontext.Variable
	modelCtx.EnumerateVariables(func(v *mlcontext.Variable) {
		vars = append(vars, v)
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ScopeAndName() < vars[j].ScopeAndName()
	})
	return vars
}

// BroadcastVariables overwrites every rank's variables with rank 0's values, so
// all ranks start training from identical state. It covers non-trainable
// variables too: after rank 0 restores a checkpoint, the workers must also see
// the optimizer state and the global step counter, or the ranks would disagree
// on how many steps remain and their collectives would go out of step.
// Variables that rank 0 has but a worker doesn't yet are created on the worker.
func (g *Group) BroadcastVariables(ctx context.Context, modelCtx *mlcontext.Context) error {
	if g.WorldSize == 1 {
		return nil
	}

	var payload []byte
	if g.IsMaster() {
		vars := allVariables(modelCtx)
		var buf bytes.Buffer
		enc := gob.NewEncoder(&buf)
		if err := enc.Encode(len(vars)); err != nil {
			return errors.Wrap(err, "failed to serialize variables for broadcast")
		}
		for _, v := range vars {
			value, err := v.Value()
			if err != nil {
				return errors.Wrapf(err, "failed to read variable %q", v.ScopeAndName())
			}
			if err = enc.Encode(v.Scope()); err == nil {
				err = enc.Encode(v.Name())
			}
			if err == nil {
				err = enc.Encode(v.Trainable)
			}
			if err == nil {
				err = value.GobSerialize(enc)
			}
			if err != nil {
				return errors.Wrapf(err, "failed to serialize variable %q", v.ScopeAndName())
			}
		}
		payload = buf.Bytes()
	}

	payload, err := g.Broadcast(ctx, payload)
	if err != nil {
		return errors.Wrap(err, "variable broadcast failed")
	}
	if g.IsMaster() {
		return nil
	}

	dec := gob.NewDecoder(bytes.NewReader(payload))
	var count int
	if err := dec.Decode(&count); err != nil {
		return errors.Wrap(err, "failed to decode broadcast variables")
	}
	for range count {
		var (
			scope, name string
			trainable   bool
		)
		if err := dec.Decode(&scope); err == nil {
			err = dec.Decode(&name)
			if err == nil {
				err = dec.Decode(&trainable)
			}
		}
		if err != nil {
			return errors.Wrap(err, "failed to decode broadcast variables")
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.Wrapf(err, "failed to decode broadcast variable %q::%q", scope, name)
		}
		v := modelCtx.InspectVariable(scope, name)
		if v != nil {
			if err = v.SetValue(value); err != nil {
				return errors.Wrapf(err, "failed to set variable %q::%q", scope, name)
			}
		} else {
			v = modelCtx.InAbsPath(scope).VariableWithValue(name, value)
		}
		v.Trainable = trainable
	}
	klog.V(1).Infof("rank %d received %d variables from rank 0", g.Rank, count)
	return nil
}

// AverageVariables replaces every trainable Float32 variable with its mean across
// all ranks. Called periodically during training it keeps the replicas' parameters
// from drifting apart; optimizer state stays local.
func (g *Group) AverageVariables(ctx context.Context, modelCtx *mlcontext.Context) error {
	if g.WorldSize == 1 {
		return nil
	}
	var (
		values []*tensors.Tensor
		flat   []float32
	)
	for _, v := range trainableVariables(modelCtx) {
		value, err := v.Value()
		if err != nil {
			return errors.Wrapf(err, "failed to read variable %q", v.ScopeAndName())
		}
		if value.DType() != dtypes.Float32 {
			continue
		}
		values = append(values, value)
		if err = tensors.ConstFlatData(value, func(data []float32) {
			flat = append(flat, data...)
		}); err != nil {
			return errors.Wrapf(err, "failed to read variable %q", v.ScopeAndName())
		}
	}

	averaged, err := g.AllReduce(ctx, flat, ReduceMean)
	if err != nil {
		return errors.Wrap(err, "parameter averaging failed")
	}
	if len(averaged) != len(flat) {
		return errors.Errorf("parameter averaging returned %d values, expected %d",
			len(averaged), len(flat))
	}

	offset := 0
	for _, value := range values {
		if err := tensors.MutableFlatData(value, func(data []float32) {
			copy(data, averaged[offset:offset+len(data)])
			offset += len(data)
		}); err != nil {
			return errors.Wrap(err, "failed to write averaged parameters")
		}
	}
	return nil
}

// AllReduceTensor reduces a Float32 tensor element-wise across all ranks, in
// place. Every rank must pass a tensor of the same shape.
func (g *Group) AllReduceTensor(ctx context.Context, t *tensors.Tensor, op ReduceOp) error {
	if g.WorldSize == 1 {
		return nil
	}
	if t.DType() != dtypes.Float32 {
		return errors.Errorf("AllReduceTensor supports Float32 tensors, got %s", t.DType())
	}
	var flat []float32
	if err := tensors.ConstFlatData(t, func(data []float32) {
		flat = append(flat, data...)
	}); err != nil {
		return errors.Wrap(err, "failed to read tensor for all-reduce")
	}
	reduced, err := g.AllReduce(ctx, flat, op)
	if err != nil {
		return err
	}
	return tensors.MutableFlatData(t, func(data []float32) {
		copy(data, reduced)
	})
}

// BroadcastTensor distributes rank 0's tensor to all ranks. Rank 0 returns its
// input unchanged; other ranks ignore their input (which may be nil) and return
// the received tensor.
func (g *Group) BroadcastTensor(ctx context.Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	if g.WorldSize == 1 {
		return t, nil
	}
	var payload []byte
	if g.IsMaster() {
		var buf bytes.Buffer
		if err := t.GobSerialize(gob.NewEncoder(&buf)); err != nil {
			return nil, errors.Wrap(err, "failed to serialize tensor for broadcast")
		}
		payload = buf.Bytes()
	}
	payload, err := g.Broadcast(ctx, payload)
	if err != nil {
		return nil, err
	}
	if g.IsMaster() {
		return t, nil
	}
	received, err := tensors.GobDeserialize(gob.NewDecoder(bytes.NewReader(payload)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode broadcast tensor")
	}
	return received, nil
}

// AllReduceScalar is a convenience wrapper around AllReduce for a single value.
func (g *Group) AllReduceScalar(ctx context.Context, value float32, op ReduceOp) (float32, error) {
	result, err := g.AllReduce(ctx, []float32{value}, op)
	if err != nil {
		return 0, err
	}
	return result[0], nil
}
