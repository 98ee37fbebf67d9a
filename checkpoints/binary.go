package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-adapt/layers"
)

// binaryMagic prefixes every binary checkpoint; a protobuf-wire encoded
// checkpoint message follows.
var binaryMagic = []byte("GOADAPT\x01")

// Field numbers of the binary layout.
const (
	fieldModelSpec      protowire.Number = 1 // bytes, JSON encoded layers.ModelSpec
	fieldWeights        protowire.Number = 2 // repeated tensor
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2 // packed varint
	fieldTensorData  protowire.Number = 3 // packed fixed32
	fieldTensorLayer protowire.Number = 4 // weight layer, or optimizer state type
	fieldTensorType  protowire.Number = 5

	fieldStateEpoch        protowire.Number = 1
	fieldStateStep         protowire.Number = 2
	fieldStateLearningRate protowire.Number = 3
	fieldStateBestLoss     protowire.Number = 4
	fieldStateBestAccuracy protowire.Number = 5
	fieldStateTotalSteps   protowire.Number = 6

	fieldOptType       protowire.Number = 1
	fieldOptParameters protowire.Number = 2 // bytes, JSON encoded map
	fieldOptTensors    protowire.Number = 3

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3 // zigzag unix nanoseconds
	fieldMetaDescription protowire.Number = 4
	fieldMetaTags        protowire.Number = 5
	fieldMetaRunID       protowire.Number = 6
	fieldMetaMethod      protowire.Number = 7
)

// MarshalBinary encodes checkpoint in the binary layout.
func MarshalBinary(checkpoint *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	if checkpoint.ModelSpec != nil {
		spec, err := json.Marshal(checkpoint.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range checkpoint.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, checkpoint.TrainingState))

	if opt := checkpoint.OptimizerState; opt != nil {
		msg, err := appendOptimizerState(nil, opt)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, checkpoint.Metadata))
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, typ string) []byte {
	b = appendString(b, fieldTensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, 4*len(data))
	for _, v := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	b = appendString(b, fieldTensorLayer, layer)
	return appendString(b, fieldTensorType, typ)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, fieldStateEpoch, uint64(s.Epoch))
	b = appendVarint(b, fieldStateStep, uint64(s.Step))
	b = appendFloat(b, fieldStateLearningRate, s.LearningRate)
	b = appendFloat(b, fieldStateBestLoss, s.BestLoss)
	b = appendFloat(b, fieldStateBestAccuracy, s.BestAccuracy)
	return appendVarint(b, fieldStateTotalSteps, uint64(s.TotalSteps))
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, fieldOptType, s.Type)
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimizer parameters: %w", err)
	}
	b = protowire.AppendTag(b, fieldOptParameters, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, fieldOptTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldMetaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, fieldMetaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, fieldMetaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, fieldMetaRunID, m.RunID)
	return appendString(b, fieldMetaMethod, m.Method)
}

// UnmarshalBinary decodes a binary checkpoint produced by MarshalBinary.
// Unknown fields are skipped.
func UnmarshalBinary(raw []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(raw, binaryMagic) {
		return nil, fmt.Errorf("%w: missing binary header", ErrFormat)
	}
	checkpoint := &Checkpoint{}
	err := consumeMessage(raw[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldModelSpec:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, fmt.Errorf("%w: model spec: %v", ErrFormat, err)
			}
			checkpoint.ModelSpec = &spec
			return n, nil
		case fieldWeights:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
				Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.typ,
			})
			return n, nil
		case fieldTrainingState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeTrainingState(v, &checkpoint.TrainingState)
		case fieldOptimizerState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			checkpoint.OptimizerState = &OptimizerState{}
			return n, decodeOptimizerState(v, checkpoint.OptimizerState)
		case fieldMetadata:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeMetadata(v, &checkpoint.Metadata)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// consumeMessage walks the fields of b; fn returns how many bytes of the
// field value it consumed.
func consumeMessage(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrFormat, num, protowire.ParseError(n))
	}
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field, got wire type %d", ErrFormat, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint field, got wire type %d", ErrFormat, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, fmt.Errorf("%w: expected fixed32 field, got wire type %d", ErrFormat, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
	}
	return math.Float32frombits(v), n, nil
}

type decodedTensor struct {
	name, layer, typ string
	shape            []int
	data             []float32
}

func decodeTensor(b []byte) (decodedTensor, error) {
	var t decodedTensor
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTensorName, fieldTensorLayer, fieldTensorType:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldTensorName:
				t.name = string(v)
			case fieldTensorLayer:
				t.layer = string(v)
			default:
				t.typ = string(v)
			}
			return n, nil
		case fieldTensorShape:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t.shape = make([]int, 0, 4)
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, fmt.Errorf("%w: tensor shape: %v", ErrFormat, protowire.ParseError(m))
				}
				t.shape = append(t.shape, int(d))
				v = v[m:]
			}
			return n, nil
		case fieldTensorData:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v)%4 != 0 {
				return 0, fmt.Errorf("%w: tensor data of %d bytes", ErrFormat, len(v))
			}
			t.data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, fmt.Errorf("%w: tensor data: %v", ErrFormat, protowire.ParseError(m))
				}
				t.data = append(t.data, math.Float32frombits(bits))
				v = v[m:]
			}
			return n, nil
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return t, err
	}
	elems := 1
	for _, d := range t.shape {
		elems *= d
	}
	if elems != len(t.data) {
		return t, fmt.Errorf("%w: tensor %q has shape %v but %d values", ErrFormat, t.name, t.shape, len(t.data))
	}
	return t, nil
}

func decodeTrainingState(b []byte, s *TrainingState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldStateEpoch, fieldStateStep, fieldStateTotalSteps:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldStateEpoch:
				s.Epoch = int(v)
			case fieldStateStep:
				s.Step = int(v)
			default:
				s.TotalSteps = int(v)
			}
			return n, nil
		case fieldStateLearningRate, fieldStateBestLoss, fieldStateBestAccuracy:
			v, n, err := consumeFloat(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldStateLearningRate:
				s.LearningRate = v
			case fieldStateBestLoss:
				s.BestLoss = v
			default:
				s.BestAccuracy = v
			}
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeOptimizerState(b []byte, s *OptimizerState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOptType:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			s.Type = string(v)
			return n, nil
		case fieldOptParameters:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if err := json.Unmarshal(v, &s.Parameters); err != nil {
				return 0, fmt.Errorf("%w: optimizer parameters: %v", ErrFormat, err)
			}
			return n, nil
		case fieldOptTensors:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.layer})
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeMetadata(b []byte, m *CheckpointMetadata) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldMetaCreatedAt {
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		}
		switch num {
		case fieldMetaVersion, fieldMetaFramework, fieldMetaDescription, fieldMetaTags, fieldMetaRunID, fieldMetaMethod:
		default:
			return skipField(num, typ, b)
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		s := string(v)
		switch num {
		case fieldMetaVersion:
			m.Version = s
		case fieldMetaFramework:
			m.Framework = s
		case fieldMetaDescription:
			m.Description = s
		case fieldMetaTags:
			m.Tags = append(m.Tags, s)
		case fieldMetaRunID:
			m.RunID = s
		case fieldMetaMethod:
			m.Method = s
		}
		return n, nil
	})
}
