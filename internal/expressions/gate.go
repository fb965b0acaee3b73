package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/stepflow/pkg/schema"
)

// Operators allowed in a gate expression.
var (
	gateUnaryOps = map[string]bool{"not": true, "!": true, "-": true, "+": true}

	gateBinaryOps = map[string]bool{
		"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
		"and": true, "or": true, "&&": true, "||": true,
		"in": true, "contains": true, "startsWith": true, "endsWith": true, "matches": true,
	}
)

// GateEvaluator evaluates already-interpolated boolean gates. The accepted
// language is literals, comparisons, boolean connectives, arrays and maps.
// Bare words are string literals; True/False/None are accepted alongside
// true/false/nil. Calls, member access, arithmetic, ternaries and pipes are
// rejected with RENDER_ERROR.
type GateEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewGateEvaluator creates an empty evaluator.
func NewGateEvaluator() *GateEvaluator {
	return &GateEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate reports the boolean value of a rendered gate expression.
func (g *GateEvaluator) Evaluate(expression string) (bool, error) {
	prg, err := g.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(prg, nil)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeRender,
			"gate evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeRender,
			"gate %q did not yield a boolean (got %T)", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (g *GateEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	g.mu.RLock()
	if prg, ok := g.cache[expression]; ok {
		g.mu.RUnlock()
		return prg, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if prg, ok := g.cache[expression]; ok {
		return prg, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, gateError(expression, "parse error: "+err.Error(), err)
	}
	check := &gateWhitelist{}
	ast.Walk(&tree.Node, check)
	if check.rejected != "" {
		return nil, gateError(expression, check.rejected+" is not allowed in a gate", nil)
	}

	prg, err := expr.Compile(expression, expr.Patch(&gateLiterals{}), expr.AsBool())
	if err != nil {
		return nil, gateError(expression, err.Error(), err)
	}

	g.cache[expression] = prg
	return prg, nil
}

func gateError(expression, msg string, cause error) *schema.FlowError {
	fe := schema.NewErrorf(schema.ErrCodeRender, "invalid gate %q: %s", expression, msg).
		WithDetails(map[string]any{"expression": expression})
	if cause != nil {
		fe = fe.WithCause(cause)
	}
	return fe
}

// gateWhitelist records the first node outside the gate language.
type gateWhitelist struct {
	rejected string
}

func (w *gateWhitelist) Visit(node *ast.Node) {
	if w.rejected != "" {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.StringNode, *ast.ConstantNode, *ast.IdentifierNode,
		*ast.ArrayNode, *ast.MapNode, *ast.PairNode:
	case *ast.UnaryNode:
		if !gateUnaryOps[n.Operator] {
			w.rejected = "operator " + n.Operator
		}
	case *ast.BinaryNode:
		if !gateBinaryOps[n.Operator] {
			w.rejected = "operator " + n.Operator
		}
	case *ast.MemberNode, *ast.ChainNode:
		w.rejected = "member access"
	case *ast.CallNode, *ast.BuiltinNode:
		w.rejected = "function call"
	case *ast.ConditionalNode:
		w.rejected = "conditional expression"
	default:
		w.rejected = "expression " + n.String()
	}
}

// gateLiterals rewrites bare identifiers into literals before type checking.
type gateLiterals struct{}

func (gateLiterals) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	switch id.Value {
	case "True", "TRUE":
		ast.Patch(node, &ast.BoolNode{Value: true})
	case "False", "FALSE":
		ast.Patch(node, &ast.BoolNode{Value: false})
	case "None", "null", "NULL":
		ast.Patch(node, &ast.NilNode{})
	default:
		ast.Patch(node, &ast.StringNode{Value: id.Value})
	}
}
