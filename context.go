package binctx

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxgio92/binctx/internal/unionfind"
)

// Emitter measures functions the way the emission backend would lay them
// out. It is provided by the code-emission layer.
type Emitter interface {
	CalculateEmittedSize(fn *BinaryFunction) (hot, cold uint64)
}

// Context is the shared model of one input binary: its sections, the
// address-space index of named objects, the function registry and the jump
// tables. It is safe for concurrent use by per-function analysis workers;
// the post-passes documented as single-threaded must not run concurrently
// with anything else.
type Context struct {
	arch    ArchInfo
	opts    options
	logger  log.Logger
	metrics *Metrics
	names   *NameContext

	sectionsMu    sync.RWMutex
	sections      []*Section
	addrSections  []*Section // allocatable, sorted by address
	nameToSection map[string][]*Section

	dataMu        sync.RWMutex
	data          *btree.BTreeG[*BinaryData]
	dataArena     []*BinaryData
	globalSymbols map[string]*BinaryData

	functionsMu    sync.RWMutex
	functions      *btree.BTreeG[*BinaryFunction]
	functionArena  map[FunctionID]*BinaryFunction
	injected       []*BinaryFunction
	nextFunctionID FunctionID

	symbolMapMu      sync.RWMutex
	symbolToFunction map[*Symbol]*BinaryFunction

	fragmentsMu     sync.Mutex
	fragmentClasses *unionfind.DisjointSet[FunctionID]
	fragmentsToSkip map[FunctionID]struct{}

	jumpTablesMu         sync.Mutex
	jumpTables           *btree.BTreeG[*JumpTable]
	jumpTableIDs         map[uint64]int
	duplicatedJumpTables uint64
	dataPCRelocations    map[uint64]struct{}

	refsMu              sync.Mutex
	interproceduralRefs []interproceduralRef

	islandsMu sync.RWMutex
	islands   *btree.BTreeG[islandEntry]

	decodeCache *lru.Cache[uint64, Instruction]
}

// NewContext returns an empty context for arch.
func NewContext(arch Arch, opts ...Option) (*Context, error) {
	info, err := NewArchInfo(arch)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newContext(info, o)
}

func newContext(info ArchInfo, o options) (*Context, error) {
	cache, err := lru.New[uint64, Instruction](max(o.decodeCacheSize, 1))
	if err != nil {
		return nil, err
	}
	metrics := o.metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Context{
		arch:              info,
		opts:              o,
		logger:            o.logger,
		metrics:           metrics,
		names:             NewNameContext(),
		nameToSection:     make(map[string][]*Section),
		data:              btree.NewG(32, lessBinaryData),
		globalSymbols:     make(map[string]*BinaryData),
		functions:         btree.NewG(32, lessBinaryFunction),
		functionArena:     make(map[FunctionID]*BinaryFunction),
		symbolToFunction:  make(map[*Symbol]*BinaryFunction),
		fragmentClasses:   unionfind.New[FunctionID](),
		fragmentsToSkip:   make(map[FunctionID]struct{}),
		jumpTables:        btree.NewG(8, lessJumpTable),
		jumpTableIDs:      make(map[uint64]int),
		dataPCRelocations: make(map[uint64]struct{}),
		islands:           btree.NewG(8, lessIsland),
		decodeCache:       cache,
	}
	return c, nil
}

// Arch returns the architecture capability.
func (c *Context) Arch() ArchInfo { return c.arch }

// Names returns the naming context.
func (c *Context) Names() *NameContext { return c.names }

// Logger returns the context logger.
func (c *Context) Logger() log.Logger { return c.logger }

// HasRelocations reports whether the context runs in relocation-driven mode.
func (c *Context) HasRelocations() bool { return c.opts.relocations }

// IsStrict reports whether strict mode is on.
func (c *Context) IsStrict() bool { return c.opts.strict }

// decode decodes the instruction at address from code, memoizing the
// result. Input bytes never change during analysis.
func (c *Context) decode(code []byte, address uint64) (Instruction, error) {
	if inst, ok := c.decodeCache.Get(address); ok {
		return inst, nil
	}
	inst, err := c.arch.Decode(code, address)
	if err != nil {
		return Instruction{}, err
	}
	c.decodeCache.Add(address, inst)
	return inst, nil
}
