package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sriPayload = `{
  "supplierInvoiceID": "INV123",
  "amount": 300,
  "issueDate": "2023-06-15",
  "dueDate": "2023-07-15",
  "status": "NEW",
  "items": [
    { "id": 1, "productId": "product1", "price": 100, "amount": 1 },
    { "id": 2, "productId": "product2", "price": 200, "amount": 1 },
    { "id": 3, "productId": "placeholder", "price": 0, "amount": 0 },
    { "id": 4, "productId": "placeholder", "price": 0, "amount": 0 }
  ]
}`

func workstep(arity int, policy string) *contracts.Workstep {
	return &contracts.Workstep{
		ID:      "workstep1",
		Name:    "workstep1",
		Version: "1.0.0",
		Status:  contracts.WorkstepStatusNew,
		Circuit: contracts.Circuit{Arity: arity, PolicyExpr: policy},
	}
}

func TestEvaluate_FullArityPayload(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	leaf, err := e.Evaluate(context.Background(), workstep(4, ""), sriPayload)
	require.NoError(t, err)

	assert.Equal(t, "INV123", leaf.InvoiceID)
	assert.Equal(t, "NEW", leaf.Status)
	assert.Equal(t, 2, leaf.ItemCount)
	assert.Equal(t, 300.0, leaf.TotalPrice)
	assert.Equal(t, 4, leaf.Arity)
}

func TestEvaluate_UnderCapacityIsPadded(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	payload := `{
	  "supplierInvoiceID": "INV9",
	  "status": "NEW",
	  "items": [{ "id": 1, "productId": "p1", "price": 50, "amount": 2 }]
	}`
	leaf, err := e.Evaluate(context.Background(), workstep(4, ""), payload)
	require.NoError(t, err)

	assert.Equal(t, 1, leaf.ItemCount)
	assert.Equal(t, 100.0, leaf.TotalPrice)
	assert.Equal(t, 4, leaf.Arity)
}

func TestEvaluate_OverCapacityFails(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	payload := `{
	  "supplierInvoiceID": "INV9",
	  "items": [
	    { "id": 1, "productId": "p", "price": 1, "amount": 1 },
	    { "id": 2, "productId": "p", "price": 1, "amount": 1 },
	    { "id": 3, "productId": "p", "price": 1, "amount": 1 }
	  ]
	}`
	_, err = e.Evaluate(context.Background(), workstep(2, ""), payload)

	var evalErr *contracts.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, contracts.ReasonEvaluationFailed, evalErr.Reason)
}

func TestEvaluate_MalformedPayload(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	var evalErr *contracts.EvaluationError

	_, err = e.Evaluate(context.Background(), workstep(4, ""), "not json")
	require.True(t, errors.As(err, &evalErr))

	_, err = e.Evaluate(context.Background(), workstep(4, ""), `{"items":[]}`)
	require.True(t, errors.As(err, &evalErr), "missing supplierInvoiceID must fail schema validation")

	_, err = e.Evaluate(context.Background(), workstep(4, ""), `{"supplierInvoiceID":"X","items":[{"id":1,"productId":"p","price":-5,"amount":1}]}`)
	require.True(t, errors.As(err, &evalErr), "negative price must fail schema validation")
}

func TestEvaluate_DeterministicLeafBytes(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	leaf1, err := e.Evaluate(context.Background(), workstep(4, ""), sriPayload)
	require.NoError(t, err)
	leaf2, err := e.Evaluate(context.Background(), workstep(4, ""), sriPayload)
	require.NoError(t, err)

	b1, err := leaf1.CanonicalValue()
	require.NoError(t, err)
	b2, err := leaf2.CanonicalValue()
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
}

func TestEvaluate_PolicyAllows(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	leaf, err := e.Evaluate(context.Background(), workstep(4, `leaf.totalPrice <= 1000.0`), sriPayload)
	require.NoError(t, err)
	assert.Equal(t, 300.0, leaf.TotalPrice)
}

func TestEvaluate_PolicyRejects(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), workstep(4, `leaf.totalPrice < 100.0`), sriPayload)

	var evalErr *contracts.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, contracts.ReasonPolicyViolation, evalErr.Reason)
}

func TestEvaluate_PolicyCompileError(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), workstep(4, `leaf.totalPrice <`), sriPayload)
	assert.Error(t, err)
}
