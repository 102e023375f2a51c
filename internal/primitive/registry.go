package primitive

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownPrimitive   = errors.New("unknown primitive")
	ErrPrimitiveExists    = errors.New("primitive already registered")
	ErrDuplicatePrimitive = errors.New("primitive listed more than once")
	ErrInvalidArity       = errors.New("primitive arity must be 1 or 2")
	ErrEmptyPrimitiveSet  = errors.New("primitive set is empty")
)

const NoneName = "none"

// DefaultNames is the primitive set used when the caller supplies none.
var DefaultNames = []string{
	"none",
	"add",
	"subtract",
	"linear",
	"linear_logistic",
	"mult",
	"linear_relu",
	"logistic",
	"exp",
	"relu",
}

// Spec describes a caller-defined primitive.
type Spec struct {
	Name      string
	Arity     int
	NumParams int
	Func      Func
	// Grad is optional; central differences are used when nil.
	Grad   GradFunc
	Format FormatFunc
}

var catalog = struct {
	mu sync.RWMutex
	m  map[string]Primitive
}{
	m: make(map[string]Primitive),
}

func init() {
	initializeBuiltIns()
}

func initializeBuiltIns() {
	builtins := []Primitive{
		{Kind: KindNone, Name: "none", Arity: 1, base: baseZero, form: formPlain},
		{Kind: KindAdd, Name: "add", Arity: 1, base: baseIdentity, form: formPlain},
		{Kind: KindSubtract, Name: "subtract", Arity: 1, base: baseNegate, form: formPlain},
		{Kind: KindMult, Name: "mult", Arity: 1, NumParams: 1, base: baseIdentity, form: formScale},
		{Kind: KindLinear, Name: "linear", Arity: 1, NumParams: 2, base: baseIdentity, form: formAffine},
		{Kind: KindRelu, Name: "relu", Arity: 1, base: baseRelu, form: formPlain},
		{Kind: KindLinearRelu, Name: "linear_relu", Arity: 1, NumParams: 2, base: baseRelu, form: formAffine},
		{Kind: KindLogistic, Name: "logistic", Arity: 1, base: baseLogistic, form: formPlain},
		{Kind: KindLinearLogistic, Name: "linear_logistic", Arity: 1, NumParams: 2, base: baseLogistic, form: formAffine},
		{Kind: KindExp, Name: "exp", Arity: 1, base: baseExp, form: formPlain},
		{Kind: KindLinearExp, Name: "linear_exp", Arity: 1, NumParams: 2, base: baseExp, form: formAffine},
		{Kind: KindCos, Name: "cos", Arity: 1, base: baseCos, form: formPlain},
		{Kind: KindLinearCos, Name: "linear_cos", Arity: 1, NumParams: 2, base: baseCos, form: formAffine},
		{Kind: KindSin, Name: "sin", Arity: 1, base: baseSin, form: formPlain},
		{Kind: KindLinearSin, Name: "linear_sin", Arity: 1, NumParams: 2, base: baseSin, form: formAffine},
		{Kind: KindTanh, Name: "tanh", Arity: 1, base: baseTanh, form: formPlain},
		{Kind: KindLinearTanh, Name: "linear_tanh", Arity: 1, NumParams: 2, base: baseTanh, form: formAffine},
		{Kind: KindReciprocal, Name: "reciprocal", Arity: 1, base: baseReciprocal, form: formPlain},
		{Kind: KindLinearReciprocal, Name: "linear_reciprocal", Arity: 1, NumParams: 2, base: baseReciprocal, form: formAffine},
		{Kind: KindLn, Name: "ln", Arity: 1, base: baseLn, form: formPlain},
		{Kind: KindLinearLn, Name: "linear_ln", Arity: 1, NumParams: 2, base: baseLn, form: formAffine},
		{Kind: KindSoftplus, Name: "softplus", Arity: 1, base: baseSoftplus, form: formPlain},
		{Kind: KindLinearSoftplus, Name: "linear_softplus", Arity: 1, NumParams: 2, base: baseSoftplus, form: formAffine},
		{Kind: KindSoftminus, Name: "softminus", Arity: 1, base: baseSoftminus, form: formPlain},
		{Kind: KindLinearSoftminus, Name: "linear_softminus", Arity: 1, NumParams: 2, base: baseSoftminus, form: formAffine},
		{Kind: KindPowerTwo, Name: "power_two", Arity: 1, base: baseSquare, form: formPlain},
		{Kind: KindPowerThree, Name: "power_three", Arity: 1, base: baseCube, form: formPlain},
		{Kind: KindProduct, Name: "product", Arity: 2, NumParams: 1, base: baseIdentity, form: formPair},
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	for _, p := range builtins {
		catalog.m[p.Name] = p
	}
}

// Register adds a caller-defined primitive to the process-wide catalog.
func Register(spec Spec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errors.New("primitive name is required")
	}
	if spec.Func == nil {
		return errors.New("primitive function is required")
	}
	if spec.Arity != 1 && spec.Arity != 2 {
		return fmt.Errorf("%w: %s has arity %d", ErrInvalidArity, name, spec.Arity)
	}
	if spec.NumParams < 0 {
		return fmt.Errorf("primitive %s: param count must be >= 0", name)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if _, exists := catalog.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrPrimitiveExists, name)
	}
	catalog.m[name] = Primitive{
		Kind:      KindCustom,
		Name:      name,
		Arity:     spec.Arity,
		NumParams: spec.NumParams,
		custom: &customOp{
			fn:     spec.Func,
			grad:   spec.Grad,
			format: spec.Format,
		},
	}
	return nil
}

func MustRegister(spec Spec) {
	if err := Register(spec); err != nil {
		panic(err)
	}
}

// Lookup resolves a name against the process-wide catalog.
func Lookup(name string) (Primitive, error) {
	catalog.mu.RLock()
	p, ok := catalog.m[name]
	catalog.mu.RUnlock()
	if !ok {
		return Primitive{}, fmt.Errorf("%w: %s", ErrUnknownPrimitive, name)
	}
	return p, nil
}

// List returns every catalog name, sorted.
func List() []string {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	names := make([]string, 0, len(catalog.m))
	for name := range catalog.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetCatalogForTests() {
	catalog.mu.Lock()
	catalog.m = make(map[string]Primitive)
	catalog.mu.Unlock()
	initializeBuiltIns()
}

// Registry is the ordered primitive set fixed for one search.
type Registry struct {
	prims []Primitive
	index map[string]int
}

// NewRegistry resolves names in order. Unknown or repeated names are
// configuration errors.
func NewRegistry(names []string) (*Registry, error) {
	if len(names) == 0 {
		return nil, ErrEmptyPrimitiveSet
	}
	r := &Registry{
		prims: make([]Primitive, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if _, dup := r.index[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrimitive, name)
		}
		p, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		r.index[name] = len(r.prims)
		r.prims = append(r.prims, p)
	}
	return r, nil
}

// Resolve returns the registered primitive with the given name.
func (r *Registry) Resolve(name string) (Primitive, error) {
	i, ok := r.index[name]
	if !ok {
		return Primitive{}, fmt.Errorf("%w: %s", ErrUnknownPrimitive, name)
	}
	return r.prims[i], nil
}

func (r *Registry) Index(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}

func (r *Registry) Len() int { return len(r.prims) }

func (r *Registry) At(i int) Primitive { return r.prims[i] }

// NoneIndex returns the position of "none", or -1 when it is not registered.
func (r *Registry) NoneIndex() int {
	if i, ok := r.index[NoneName]; ok {
		return i
	}
	return -1
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.prims))
	for i, p := range r.prims {
		names[i] = p.Name
	}
	return names
}

// HasBinary reports whether any registered primitive takes two operands.
func (r *Registry) HasBinary() bool {
	for _, p := range r.prims {
		if p.Arity == 2 {
			return true
		}
	}
	return false
}
