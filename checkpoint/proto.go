package checkpoint

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout of a checkpoint. Field numbers are stable; unknown
// fields are skipped on decode.
//
//	Checkpoint     { 1 repeated WeightTensor weights; 2 repeated Extra extras;
//	                 3 TrainingState; 4 OptimizerState; 5 ScalerState; 6 Metadata }
//	WeightTensor   { 1 name; 2 packed shape; 3 packed fixed32 data; 4 type }
//	Extra          { 1 name; 2 repeated WeightTensor }
//	TrainingState  { 1 iteration; 2 double learning_rate }
//	OptimizerState { 1 type; 2 repeated Param{1 key; 2 double value}; 3 repeated OptimizerTensor }
//	OptimizerTensor{ 1 name; 2 packed shape; 3 packed fixed32 data; 4 state_type }
//	ScalerState    { 1 double scale; 2 growth_tracker }
//	Metadata       { 1 version; 2 framework; 3 created_at unix nanos; 4 run_id;
//	                 5 architecture; 6 description; 7 repeated tags }

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	if len(shape) == 0 {
		return b
	}
	packed := make([]byte, 0, len(shape))
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	if len(data) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	b = appendString(b, 4, w.Type)
	return b
}

func marshalProto(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = appendMessage(b, 1, appendWeight(w))
	}

	names := make([]string, 0, len(c.Extras))
	for name := range c.Extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		extra := appendString(nil, 1, name)
		for _, w := range c.Extras[name] {
			extra = appendMessage(extra, 2, appendWeight(w))
		}
		b = appendMessage(b, 2, extra)
	}

	var ts []byte
	ts = appendVarint(ts, 1, int64(c.TrainingState.Iteration))
	ts = appendDouble(ts, 2, c.TrainingState.LearningRate)
	b = appendMessage(b, 3, ts)

	if opt := c.OptimizerState; opt != nil {
		msg := appendString(nil, 1, opt.Type)
		keys := make([]string, 0, len(opt.Parameters))
		for k := range opt.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			param := appendString(nil, 1, k)
			param = appendDouble(param, 2, opt.Parameters[k])
			msg = appendMessage(msg, 2, param)
		}
		for _, t := range opt.StateData {
			var ot []byte
			ot = appendString(ot, 1, t.Name)
			ot = appendShape(ot, 2, t.Shape)
			ot = appendFloats(ot, 3, t.Data)
			ot = appendString(ot, 4, t.StateType)
			msg = appendMessage(msg, 3, ot)
		}
		b = appendMessage(b, 4, msg)
	}

	if ss := c.ScalerState; ss != nil {
		var msg []byte
		msg = appendDouble(msg, 1, ss.Scale)
		msg = appendVarint(msg, 2, int64(ss.GrowthTracker))
		b = appendMessage(b, 5, msg)
	}

	md := c.Metadata
	var msg []byte
	msg = appendString(msg, 1, md.Version)
	msg = appendString(msg, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		msg = appendVarint(msg, 3, md.CreatedAt.UnixNano())
	}
	msg = appendString(msg, 4, md.RunID)
	msg = appendString(msg, 5, md.Architecture)
	msg = appendString(msg, 6, md.Description)
	for _, tag := range md.Tags {
		msg = protowire.AppendTag(msg, 7, protowire.BytesType)
		msg = protowire.AppendString(msg, tag)
	}
	b = appendMessage(b, 6, msg)

	return b
}

// fieldFunc consumes the value of one field and returns its length. It
// returns -1 for fields it does not handle.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func decodeShape(packed []byte) ([]int, error) {
	var shape []int
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		shape = append(shape, int(v))
		packed = packed[n:]
	}
	return shape, nil
}

func decodeFloats(packed []byte) ([]float32, error) {
	if len(packed)%4 != 0 {
		return nil, fmt.Errorf("packed float data has length %d", len(packed))
	}
	data := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = append(data, math.Float32frombits(v))
		packed = packed[n:]
	}
	return data, nil
}

// decodeTensor fills the common name/shape/data/kind layout shared by
// weight and optimizer tensors
func decodeTensor(b []byte, name *string, shape *[]int, data *[]float32, kind *string) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			*name = string(v)
		case 2:
			*shape, err = decodeShape(v)
		case 3:
			*data, err = decodeFloats(v)
		case 4:
			*kind = string(v)
		}
		return n, err
	})
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := decodeTensor(b, &w.Name, &w.Shape, &w.Data, &w.Type)
	return w, err
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			w, err := decodeWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil

		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var name string
			var weights []WeightTensor
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 && num != 2 {
					return -1, nil
				}
				v, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				if num == 1 {
					name = string(v)
					return n, nil
				}
				w, err := decodeWeight(v)
				weights = append(weights, w)
				return n, err
			})
			if err != nil {
				return 0, err
			}
			if c.Extras == nil {
				c.Extras = make(map[string][]WeightTensor)
			}
			c.Extras[name] = weights
			return n, nil

		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					it, n, err := consumeVarint(typ, b)
					c.TrainingState.Iteration = int(int64(it))
					return n, err
				case 2:
					lr, n, err := consumeDouble(typ, b)
					c.TrainingState.LearningRate = lr
					return n, err
				}
				return -1, nil
			})

		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			state, err := decodeOptimizer(v)
			c.OptimizerState = state
			return n, err

		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.ScalerState = &ScalerState{}
			return n, walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					s, n, err := consumeDouble(typ, b)
					c.ScalerState.Scale = s
					return n, err
				case 2:
					g, n, err := consumeVarint(typ, b)
					c.ScalerState.GrowthTracker = int(int64(g))
					return n, err
				}
				return -1, nil
			})

		case 6:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeMetadata(v, &c.Metadata)
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{Parameters: make(map[string]float64)}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 3 {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			state.Type = string(v)
		case 2:
			var key string
			var value float64
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					k, n, err := consumeBytes(typ, b)
					key = string(k)
					return n, err
				case 2:
					d, n, err := consumeDouble(typ, b)
					value = d
					return n, err
				}
				return -1, nil
			})
			state.Parameters[key] = value
		case 3:
			var t OptimizerTensor
			err = decodeTensor(v, &t.Name, &t.Shape, &t.Data, &t.StateType)
			state.StateData = append(state.StateData, t)
		}
		return n, err
	})
	return state, err
}

func decodeMetadata(b []byte, md *Metadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 {
			ns, n, err := consumeVarint(typ, b)
			md.CreatedAt = time.Unix(0, int64(ns)).UTC()
			return n, err
		}
		if num < 1 || num > 7 {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		s := string(v)
		switch num {
		case 1:
			md.Version = s
		case 2:
			md.Framework = s
		case 4:
			md.RunID = s
		case 5:
			md.Architecture = s
		case 6:
			md.Description = s
		case 7:
			md.Tags = append(md.Tags, s)
		}
		return n, nil
	})
}
