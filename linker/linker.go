// Package linker merges independently compiled bytecode images into one
// linked image: type tables are deduplicated by structural hash, function
// and variable tables are appended with an old→new index remap recorded per
// source image, and every instruction operand that names a type, function,
// or global is rewritten against the merged numbering (spec §4.3).
//
// Grounded on the teacher's linker.Linker (a namespace-owning, mutex-guarded
// top-level object) generalized from a WIT-component linker to a module-DAG
// bytecode linker, and on linker.Namespace's tree walk, generalized from
// WIT namespace paths to module dependency edges.
package linker

import (
	"sort"
	"sync"

	"github.com/nullc-go/vm/bytecode"
)

// Options configures linker behavior. Reserved for future knobs (e.g.
// whether unresolved imports are a hard error or left for the extension
// surface to patch later); currently empty.
type Options struct{}

// DefaultOptions returns default linker configuration.
func DefaultOptions() Options {
	return Options{}
}

// Linker merges compiled images into one linked image. Thread-safe; a
// single Linker can run multiple Merge calls concurrently since Merge
// carries no state between calls beyond its own arguments.
type Linker struct {
	options Options
	mu      sync.RWMutex
}

// New creates a Linker with the given options.
func New(opts Options) *Linker {
	return &Linker{options: opts}
}

// NewWithDefaults creates a Linker with default options.
func NewWithDefaults() *Linker {
	return New(DefaultOptions())
}

// Options returns the linker's configuration.
func (l *Linker) Options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.options
}

// CodeRewriter rewrites one VM's instruction stream against a merged
// image's numbering. stackvm and regvm each supply one, since only they
// understand their own opcode/operand encoding; bytecode.Image keeps the
// stream opaque (see bytecode package doc). A nil rewriter copies the
// stream unchanged, which is only correct when the merge has exactly one
// source image or the caller otherwise guarantees no cross-image operand
// needs renumbering (e.g. in tests of the table-merge steps alone).
type CodeRewriter func(code []byte, remap OperandRemap) ([]byte, error)

// OperandRemap carries one source image's old→new index tables plus its
// assigned position in the merged image, for a CodeRewriter to apply to
// that image's copy of an instruction stream.
type OperandRemap struct {
	Types       []uint32
	Functions   []uint32
	ModuleIndex uint32
	GlobalBase  uint32
}

// Rewriters bundles the two VMs' optional code rewriters for one Merge call.
type Rewriters struct {
	Stack CodeRewriter
	Reg   CodeRewriter
}

// Merge links images[primary] and its transitive dependencies (named by
// module.Dependencies indices into images) into one image, per spec §4.3
// steps 1-7. images is the flat pool every Dependencies index refers into;
// order within images does not matter, but every dependency named by any
// module must itself appear somewhere in images.
func (l *Linker) Merge(images []*bytecode.Image, primary int, rw Rewriters) (*bytecode.Image, error) {
	order, err := topoOrder(images, primary)
	if err != nil {
		return nil, err
	}

	m := newMergeState(images[primary].PointerWidth)
	m.prepareShifts(images, order)

	for _, idx := range order {
		m.mergeTypes(images[idx], idx)
	}
	for _, idx := range order {
		m.mergeNamespacesAndTypedefs(images[idx], idx)
	}
	for _, idx := range order {
		m.mergeFunctions(images[idx], idx)
	}
	for _, idx := range order {
		m.mergeVariables(images[idx], idx)
	}
	for _, idx := range order {
		if err := m.mergeCode(images[idx], idx, rw); err != nil {
			return nil, err
		}
	}
	for _, idx := range order {
		m.mergeModule(images[idx], idx)
	}
	for _, idx := range order {
		m.mergeBlobs(images[idx])
	}

	if err := m.checkSymbols(); err != nil {
		return nil, err
	}

	Logger().Sugar().Debugw("linked images", "count", len(order), "types", len(m.img.Types), "functions", len(m.img.Functions))
	return m.img, nil
}

// topoOrder performs the dependency DAG walk of spec §4.3 step 1: visits
// images in dependency-first order and returns dependency_cycle if the walk
// revisits a node still on its own recursion stack.
func topoOrder(images []*bytecode.Image, primary int) ([]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(images))
	var order []int
	var path []string

	var visit func(idx int) error
	visit = func(idx int) error {
		switch state[idx] {
		case done:
			return nil
		case visiting:
			return cycleError(append(append([]string{}, path...), imageName(images[idx])))
		}
		state[idx] = visiting
		path = append(path, imageName(images[idx]))

		deps := imageDependencies(images[idx])
		sort.Ints(deps)
		for _, dep := range deps {
			if dep < 0 || dep >= len(images) || dep == idx {
				// A dependency index equal to the image's own pool index is
				// an already-resolved intra-image module reference (e.g. a
				// previously-linked image fed back in as a single-image
				// pool), not a cross-image edge the DAG walk needs to chase.
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[idx] = done
		order = append(order, idx)
		return nil
	}

	if err := visit(primary); err != nil {
		return nil, err
	}
	return order, nil
}

// imageDependencies flattens every module's Dependencies within one image
// into the set of image-pool indices it depends on.
func imageDependencies(img *bytecode.Image) []int {
	seen := make(map[int]bool)
	var out []int
	for _, mod := range img.Modules {
		for _, d := range mod.Dependencies {
			if !seen[int(d)] {
				seen[int(d)] = true
				out = append(out, int(d))
			}
		}
	}
	return out
}

func imageName(img *bytecode.Image) string {
	if len(img.Modules) == 0 {
		return "<anonymous>"
	}
	return img.Symbol(img.Modules[0].NameOffset)
}
