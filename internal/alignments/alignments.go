// Package alignments declares the typed boundary to the alignment-file
// readers (BAM/CRAM access). The readers themselves live outside this
// subsystem; the sandbox only translates interpreter option bags into the
// structs below and hands them to a Provider.
package alignments

import "context"

// Table is a rectangular result: per-read or per-site records.
type Table struct {
	Columns []string
	Rows    [][]any
}

// PeekOptions selects records for a quick look at an alignment file.
type PeekOptions struct {
	Region  string   // samtools-style region, e.g. "chr1:10000-20000". Empty = file start.
	MaxRows int      // native row cap the reader should honor.
	Columns []string // subset of columns to materialize. Empty = all.
}

// InfoOptions controls read_info header/index summaries.
type InfoOptions struct {
	Full bool // include per-contig statistics, not just the header summary
}

// ModsOptions selects base-modification (MM/ML tag) records.
type ModsOptions struct {
	Region  string
	Mod     string  // modification code filter, e.g. "5mC". Empty = all.
	MinProb float64 // minimum modification probability [0,1].
	MaxRows int
}

// WindowOptions selects reads overlapping a genomic window.
type WindowOptions struct {
	Region  string
	MaxRows int
	Sample  int // keep every Nth read; 0 or 1 = no sampling.
}

// TableOptions controls seq_table, which renders reads as tab-separated text.
type TableOptions struct {
	Region  string
	MaxRows int
}

// Provider is the data-access layer the sandbox calls on behalf of
// interpreted code. Paths are absolute, already confinement-checked.
// Implementations must treat a directory argument as an error, never a
// silent success.
type Provider interface {
	Peek(ctx context.Context, path string, opts PeekOptions) (*Table, error)
	ReadInfo(ctx context.Context, path string, opts InfoOptions) (map[string]any, error)
	Mods(ctx context.Context, path string, opts ModsOptions) (*Table, error)
	WindowReads(ctx context.Context, path string, opts WindowOptions) (*Table, error)
	SeqTable(ctx context.Context, path string, opts TableOptions) (string, error)
}
