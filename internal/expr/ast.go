package expr

// Node is a parsed reference.
type Node interface {
	node()
}

// Literal is a constant value: a number (float64), string, bool, or nil.
type Literal struct {
	Value any
}

// Text is literal text between placeholders of a Template.
type Text struct {
	Value string
}

// Root selects which part of the Context a Path starts from.
type Root string

const (
	RootVariables Root = "$"
	RootSteps     Root = "steps"
	RootInput     Root = "input"
	RootEnv       Root = "env"
)

// Segment is one step of a Path: a map key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path walks from a Root through Segments.
type Path struct {
	Root     Root
	Segments []Segment
}

// Call invokes a built-in function with evaluated arguments.
type Call struct {
	Name string
	Args []Node
}

// Template interpolates its parts into a string.
type Template struct {
	Parts []Node
}

// Invalid stands in for a placeholder that failed to parse.
// It always evaluates to undefined.
type Invalid struct {
	Source string
	Reason string
}

func (*Literal) node()  {}
func (*Text) node()     {}
func (*Path) node()     {}
func (*Call) node()     {}
func (*Template) node() {}
func (*Invalid) node()  {}
