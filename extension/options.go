package extension

import "github.com/nullc-go/vm/vmtype"

// Options governs how a VM engine observes a Table's overrides (spec §5's
// open question on cross-instance override visibility).
type Options struct {
	// ShareOverrides, when true, binds an Engine directly to a shared
	// Table: every call re-reads the table's current snapshot, so an
	// override committed by one instance becomes visible to every other
	// instance sharing the Table on their very next call. When false (the
	// default), each Engine gets its own private snapshot at construction
	// and never observes later overrides, even ones made through the same
	// Table it was built from.
	ShareOverrides bool
}

// Bind resolves, per opts, what an Engine constructor should read function
// entries from: a private snapshot taken right now (ShareOverrides false,
// the default — snapshot is non-nil, live is nil) or the live Table itself,
// which the engine must re-read on every call to see later overrides
// (ShareOverrides true — snapshot is nil, live is the Table).
func Bind(table *Table, opts Options) (snapshot []vmtype.Function, live *Table) {
	if opts.ShareOverrides {
		return nil, table
	}
	return table.Snapshot(), nil
}
