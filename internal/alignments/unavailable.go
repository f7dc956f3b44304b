package alignments

import (
	"context"
	"fmt"
)

// Unavailable is a Provider for builds without the alignment readers linked
// in (the standalone CLI). Every call fails with the same explanation.
type Unavailable struct{}

func (Unavailable) err(fn string) error {
	return fmt.Errorf("%s: alignment readers are not available in this build", fn)
}

func (u Unavailable) Peek(context.Context, string, PeekOptions) (*Table, error) {
	return nil, u.err("peek")
}

func (u Unavailable) ReadInfo(context.Context, string, InfoOptions) (map[string]any, error) {
	return nil, u.err("read_info")
}

func (u Unavailable) Mods(context.Context, string, ModsOptions) (*Table, error) {
	return nil, u.err("bam_mods")
}

func (u Unavailable) WindowReads(context.Context, string, WindowOptions) (*Table, error) {
	return nil, u.err("window_reads")
}

func (u Unavailable) SeqTable(context.Context, string, TableOptions) (string, error) {
	return "", u.err("seq_table")
}
