// Package flight exports image features to an Arrow Flight service.
package flight

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

const (
	ColumnID     = "id"
	ColumnVector = "vector"

	MetadataModel = "model"
	MetadataDim   = "dim"
)

// Batch is a set of feature vectors with one id each.
type Batch struct {
	Model   string
	IDs     []string
	Vectors [][]float32
}

// NewBatch copies the rows of a [N, D] feature tensor.
func NewBatch(model string, ids []string, features *tensor.Tensor) (*Batch, error) {
	if features.NDim() != 2 {
		return nil, fmt.Errorf("%w: features must be [N, D], got %v", tensor.ErrShapeMismatch, features.Shape())
	}
	if len(ids) != features.Rows() {
		return nil, fmt.Errorf("%d ids for %d feature rows", len(ids), features.Rows())
	}
	vecs := make([][]float32, features.Rows())
	for i := range vecs {
		vecs[i] = append([]float32(nil), features.Row(i)...)
	}
	return &Batch{Model: model, IDs: ids, Vectors: vecs}, nil
}

func (b *Batch) Len() int { return len(b.Vectors) }

// Dim is the vector width, or 0 for an empty batch.
func (b *Batch) Dim() int {
	if len(b.Vectors) == 0 {
		return 0
	}
	return len(b.Vectors[0])
}

// Schema is the record layout for dim-wide vectors from model.
func Schema(model string, dim int) *arrow.Schema {
	md := arrow.NewMetadata([]string{MetadataModel, MetadataDim}, []string{model, strconv.Itoa(dim)})
	return arrow.NewSchema([]arrow.Field{
		{Name: ColumnID, Type: arrow.BinaryTypes.String},
		{Name: ColumnVector, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

func (b *Batch) validate() error {
	if b.Len() == 0 {
		return fmt.Errorf("no vectors provided")
	}
	if len(b.IDs) != b.Len() {
		return fmt.Errorf("%d ids for %d vectors", len(b.IDs), b.Len())
	}
	for i, v := range b.Vectors {
		if len(v) != b.Dim() {
			return fmt.Errorf("vector %d has length %d, want %d", i, len(v), b.Dim())
		}
	}
	return nil
}

// Record builds an Arrow record; the caller releases it.
func (b *Batch) Record(mem memory.Allocator) (arrow.Record, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(mem, Schema(b.Model, b.Dim()))
	defer rb.Release()

	rb.Field(0).(*array.StringBuilder).AppendValues(b.IDs, nil)
	lb := rb.Field(1).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for _, v := range b.Vectors {
		lb.Append(true)
		vb.AppendValues(v, nil)
	}
	return rb.NewRecord(), nil
}

// FromRecord decodes a record written by Record.
func FromRecord(rec arrow.Record) (*Batch, error) {
	schema := rec.Schema()
	if schema.NumFields() != 2 || schema.Field(0).Name != ColumnID || schema.Field(1).Name != ColumnVector {
		return nil, fmt.Errorf("unexpected schema %s", schema)
	}
	ids, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("id column is %s", rec.Column(0).DataType())
	}
	list, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("vector column is %s", rec.Column(1).DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("vector values are %s", list.ListValues().DataType())
	}
	dim := int(list.DataType().(*arrow.FixedSizeListType).Len())

	b := &Batch{}
	if model, ok := schema.Metadata().GetValue(MetadataModel); ok {
		b.Model = model
	}
	raw := values.Float32Values()
	for i := 0; i < int(rec.NumRows()); i++ {
		start := (list.Offset() + i) * dim
		b.IDs = append(b.IDs, ids.Value(i))
		b.Vectors = append(b.Vectors, append([]float32(nil), raw[start:start+dim]...))
	}
	return b, nil
}
