// ABOUTME: Syntax tree for the closed expression grammar
// ABOUTME: Every node kind the parser can produce is declared here

package expr

// Node is a parsed expression tree node.
type Node interface {
	pos() int
}

type literal struct {
	at    int
	value any
}

type ident struct {
	at   int
	name string
}

type unary struct {
	at int
	op string
	x  Node
}

type binary struct {
	at   int
	op   string
	l, r Node
}

type logical struct {
	at   int
	op   string // "and" or "or"
	l, r Node
}

// compare is a chained comparison: operands[0] ops[0] operands[1] ...
type compare struct {
	at       int
	ops      []string
	operands []Node
}

type cond struct {
	at                    int
	then, test, otherwise Node
}

type call struct {
	at   int
	fn   string
	args []Node
}

type list struct {
	at    int
	elems []Node
}

func (n *literal) pos() int { return n.at }
func (n *ident) pos() int   { return n.at }
func (n *unary) pos() int   { return n.at }
func (n *binary) pos() int  { return n.at }
func (n *logical) pos() int { return n.at }
func (n *compare) pos() int { return n.at }
func (n *cond) pos() int    { return n.at }
func (n *call) pos() int    { return n.at }
func (n *list) pos() int    { return n.at }
