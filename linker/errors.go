package linker

import "github.com/nullc-go/vm/internal/nerr"

// cycleError reports a dependency cycle discovered during the topological walk.
func cycleError(path []string) *nerr.Error {
	return nerr.DependencyCycle(path)
}

// duplicateSymbolError reports two modules defining the same namespace-qualified symbol.
func duplicateSymbolError(name string) *nerr.Error {
	return nerr.New(nerr.PhaseLink, nerr.KindDuplicateSymbol).Detail("duplicate symbol %q", name).Build()
}

// unresolvedImportError reports an imported-function stub with no matching host registration.
func unresolvedImportError(module, name string) *nerr.Error {
	return nerr.New(nerr.PhaseLink, nerr.KindUnresolvedImport).
		Path(module, name).
		Detail("unresolved import %s#%s", module, name).Build()
}
