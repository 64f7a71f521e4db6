// Package evaluator applies a workstep's fixed-arity transition
// function to a transaction payload, producing the next state leaf.
// Evaluation is side-effect free and reproducible bit-for-bit: multiple
// parties recompute the same leaf and compare roots.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/bpi/pkg/canonicalize"
	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// invoiceSchema is the shape contract for the built-in invoice circuit.
// Arity is enforced separately so the schema stays arity-independent.
const invoiceSchema = `{
  "type": "object",
  "required": ["supplierInvoiceID", "items"],
  "properties": {
    "supplierInvoiceID": {"type": "string", "minLength": 1},
    "amount": {"type": "number"},
    "issueDate": {"type": "string"},
    "dueDate": {"type": "string"},
    "status": {"type": "string"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "productId", "price", "amount"],
        "properties": {
          "id": {"type": "integer"},
          "productId": {"type": "string"},
          "price": {"type": "number", "minimum": 0},
          "amount": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

// placeholderProductID marks zero-valued padding slots.
const placeholderProductID = "placeholder"

// Item is one slot of the fixed-arity circuit input.
type Item struct {
	ID        int     `json:"id"`
	ProductID string  `json:"productId"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
}

// invoicePayload is the decoded transaction payload.
type invoicePayload struct {
	SupplierInvoiceID string  `json:"supplierInvoiceID"`
	Amount            float64 `json:"amount"`
	IssueDate         string  `json:"issueDate"`
	DueDate           string  `json:"dueDate"`
	Status            string  `json:"status"`
	Items             []Item  `json:"items"`
}

// Leaf is the canonical committed state fragment for one transition.
type Leaf struct {
	InvoiceID  string  `json:"invoiceId"`
	Status     string  `json:"status"`
	ItemCount  int     `json:"itemCount"`
	TotalPrice float64 `json:"totalPrice"`
	WorkstepID string  `json:"workstepId"`
	Arity      int     `json:"arity"`
}

// CanonicalValue returns the leaf's stable byte serialization, suitable
// for tree insertion and cross-party comparison.
func (l *Leaf) CanonicalValue() (json.RawMessage, error) {
	return canonicalize.Canonicalize(l)
}

// Evaluator validates and transforms payloads. Compiled schemas and CEL
// programs are cached per workstep policy expression.
type Evaluator struct {
	schema *jsonschema.Schema

	celEnv   *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// New builds an evaluator with the invoice schema compiled and a CEL
// environment exposing the computed leaf and the raw payload.
func New() (*Evaluator, error) {
	schema, err := jsonschema.CompileString("invoice.schema.json", invoiceSchema)
	if err != nil {
		return nil, fmt.Errorf("evaluator: schema compile failed: %w", err)
	}
	env, err := cel.NewEnv(
		cel.Variable("leaf", cel.DynType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("evaluator: cel environment failed: %w", err)
	}
	return &Evaluator{
		schema:   schema,
		celEnv:   env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate applies the workstep circuit to payloadJSON. Items beyond
// the circuit arity fail evaluation; fewer items are padded with
// zero-valued placeholder slots so callers always feed exactly N slots
// into the transform.
func (e *Evaluator) Evaluate(ctx context.Context, workstep *contracts.Workstep, payloadJSON string) (*Leaf, error) {
	arity := workstep.Circuit.Arity
	if arity <= 0 {
		arity = contracts.DefaultCircuitArity
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &generic); err != nil {
		return nil, &contracts.EvaluationError{Reason: contracts.ReasonEvaluationFailed, Detail: fmt.Sprintf("malformed payload: %v", err)}
	}
	if err := e.schema.Validate(generic); err != nil {
		return nil, &contracts.EvaluationError{Reason: contracts.ReasonEvaluationFailed, Detail: fmt.Sprintf("payload schema: %v", err)}
	}

	var payload invoicePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, &contracts.EvaluationError{Reason: contracts.ReasonEvaluationFailed, Detail: err.Error()}
	}

	if len(payload.Items) > arity {
		return nil, &contracts.EvaluationError{
			Reason: contracts.ReasonEvaluationFailed,
			Detail: fmt.Sprintf("%d items exceed circuit arity %d", len(payload.Items), arity),
		}
	}
	slots := padSlots(payload.Items, arity)

	leaf := &Leaf{
		InvoiceID:  payload.SupplierInvoiceID,
		Status:     payload.Status,
		WorkstepID: workstep.ID,
		Arity:      arity,
	}
	for _, item := range slots {
		leaf.TotalPrice += item.Price * item.Amount
		if item.ProductID != placeholderProductID {
			leaf.ItemCount++
		}
	}

	if expr := workstep.Circuit.PolicyExpr; expr != "" {
		ok, err := e.evaluatePolicy(ctx, expr, leaf, generic)
		if err != nil {
			return nil, &contracts.EvaluationError{Reason: contracts.ReasonEvaluationFailed, Detail: fmt.Sprintf("policy: %v", err)}
		}
		if !ok {
			return nil, &contracts.EvaluationError{Reason: contracts.ReasonPolicyViolation, Detail: "workstep policy rejected the transition"}
		}
	}

	return leaf, nil
}

// padSlots extends items up to arity with zero-valued placeholders.
func padSlots(items []Item, arity int) []Item {
	slots := make([]Item, 0, arity)
	slots = append(slots, items...)
	for i := len(slots); i < arity; i++ {
		slots = append(slots, Item{ID: i + 1, ProductID: placeholderProductID})
	}
	return slots
}

func (e *Evaluator) evaluatePolicy(ctx context.Context, expr string, leaf *Leaf, payload interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	leafInput := map[string]interface{}{
		"invoiceId":  leaf.InvoiceID,
		"status":     leaf.Status,
		"itemCount":  leaf.ItemCount,
		"totalPrice": leaf.TotalPrice,
		"workstepId": leaf.WorkstepID,
		"arity":      leaf.Arity,
	}
	out, _, err := prg.ContextEval(ctx, map[string]interface{}{
		"leaf":    leafInput,
		"payload": payload,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy result is not a bool")
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := e.celEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}
