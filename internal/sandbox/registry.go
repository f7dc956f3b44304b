package sandbox

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/readlens/readlens/internal/alignments"
	"github.com/readlens/readlens/internal/confine"
)

// maxListEntries is the hard cap on entries returned by one ls call.
const maxListEntries = 2000

// execContext is per-invocation mutable state shared by the registry
// closures: the print buffer and the continuation flag. It is scoped to a
// single run so concurrent invocations cannot cross-contaminate, and it is
// only ever touched while the other side of the suspend/resume protocol is
// blocked, so no locking is needed.
type execContext struct {
	printBuf          strings.Builder
	printLimit        int
	printDropped      bool
	continueRequested bool
}

func newExecContext(printLimit int) *execContext {
	return &execContext{printLimit: printLimit}
}

// capturePrint accumulates interpreter print output up to the byte cap;
// once the cap is reached further prints are silently dropped, without
// interrupting execution.
func (c *execContext) capturePrint(s string) {
	if c.printBuf.Len() >= c.printLimit {
		c.printDropped = true
		return
	}
	if room := c.printLimit - c.printBuf.Len(); len(s) > room {
		s = s[:room]
		c.printDropped = true
	}
	c.printBuf.WriteString(s)
}

func (c *execContext) prints() string {
	return c.printBuf.String()
}

// ExternalFunc is a host-implemented function callable from interpreted
// code. Args are positional; kwargs is the trailing options bag.
type ExternalFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry holds the named external functions one sandbox invocation
// exposes. Each entry is wrapped uniformly by Invoke so that any host-side
// error becomes a typed, catchable exception inside the interpreter rather
// than an unhandled host fault.
type Registry struct {
	logger *slog.Logger
	funcs  map[string]ExternalFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, funcs: make(map[string]ExternalFunc)}
}

// Register adds a function. Panics on duplicate names (a wiring error, not
// a runtime condition).
func (r *Registry) Register(name string, fn ExternalFunc) {
	if _, exists := r.funcs[name]; exists {
		panic("duplicate external function registration: " + name)
	}
	r.funcs[name] = fn
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke looks up and runs a function, normalizing any failure into the
// interpreter's exception vocabulary. An unknown name is a catchable
// KeyError, not a host crash.
func (r *Registry) Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (any, *RaiseError) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, Raise(KindKey, "unknown function %q", name)
	}
	value, err := fn(ctx, args, kwargs)
	if err != nil {
		rerr := Normalize(err)
		r.logger.DebugContext(ctx, "external function raised",
			slog.String("function", name),
			slog.String("kind", string(rerr.Kind)),
			slog.String("message", rerr.Message))
		return nil, rerr
	}
	return value, nil
}

// NewStandardRegistry wires the full external function surface: the
// alignment data-access functions, listing, confined file I/O, and the
// continuation signal.
func NewStandardRegistry(guard *confine.Guard, provider alignments.Provider, limits ResourceLimits, ec *execContext, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register("peek", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := dataFilePath(guard, "peek", args)
		if err != nil {
			return nil, err
		}
		opts := alignments.PeekOptions{MaxRows: limits.MaxRows}
		if err := translateOpts("peek", kwargs, map[string]optSetter{
			"region":   setString(&opts.Region, "region"),
			"max_rows": setRowCap(&opts.MaxRows, limits.MaxRows),
			"columns":  setStringList(&opts.Columns, "columns"),
		}); err != nil {
			return nil, err
		}
		t, err := provider.Peek(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if err := CheckRowCount("peek", len(t.Rows), limits.MaxRows); err != nil {
			return nil, err
		}
		return tableValue(t), nil
	})

	r.Register("read_info", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := dataFilePath(guard, "read_info", args)
		if err != nil {
			return nil, err
		}
		var opts alignments.InfoOptions
		if err := translateOpts("read_info", kwargs, map[string]optSetter{
			"full": setBool(&opts.Full, "full"),
		}); err != nil {
			return nil, err
		}
		return provider.ReadInfo(ctx, path, opts)
	})

	r.Register("bam_mods", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := dataFilePath(guard, "bam_mods", args)
		if err != nil {
			return nil, err
		}
		opts := alignments.ModsOptions{MaxRows: limits.MaxRows}
		if err := translateOpts("bam_mods", kwargs, map[string]optSetter{
			"region":   setString(&opts.Region, "region"),
			"mod":      setString(&opts.Mod, "mod"),
			"min_prob": setProb(&opts.MinProb, "min_prob"),
			"max_rows": setRowCap(&opts.MaxRows, limits.MaxRows),
		}); err != nil {
			return nil, err
		}
		t, err := provider.Mods(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if err := CheckRowCount("bam_mods", len(t.Rows), limits.MaxRows); err != nil {
			return nil, err
		}
		return tableValue(t), nil
	})

	r.Register("window_reads", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := dataFilePath(guard, "window_reads", args)
		if err != nil {
			return nil, err
		}
		opts := alignments.WindowOptions{MaxRows: limits.MaxRows}
		if err := translateOpts("window_reads", kwargs, map[string]optSetter{
			"region":   setString(&opts.Region, "region"),
			"sample":   setInt(&opts.Sample, "sample"),
			"max_rows": setRowCap(&opts.MaxRows, limits.MaxRows),
		}); err != nil {
			return nil, err
		}
		t, err := provider.WindowReads(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if err := CheckRowCount("window_reads", len(t.Rows), limits.MaxRows); err != nil {
			return nil, err
		}
		return tableValue(t), nil
	})

	r.Register("seq_table", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := dataFilePath(guard, "seq_table", args)
		if err != nil {
			return nil, err
		}
		opts := alignments.TableOptions{MaxRows: limits.MaxRows}
		if err := translateOpts("seq_table", kwargs, map[string]optSetter{
			"region":   setString(&opts.Region, "region"),
			"max_rows": setRowCap(&opts.MaxRows, limits.MaxRows),
		}); err != nil {
			return nil, err
		}
		text, err := provider.SeqTable(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		return LimitLines(text, limits.MaxOutputBytes), nil
	})

	r.Register("ls", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		pattern := ""
		if len(args) > 0 {
			s, ok := args[0].(string)
			if !ok {
				return nil, Raise(KindValue, "ls pattern must be a string")
			}
			pattern = s
		}
		listing, err := guard.List(pattern, maxListEntries)
		if err != nil {
			return nil, Raise(KindValue, "%s", err.Error())
		}
		files := make([]any, len(listing.Files))
		for i, f := range listing.Files {
			files[i] = f
		}
		out := map[string]any{"files": files, "capped": listing.Capped}
		if listing.Capped {
			out["note"] = "listing capped; use a narrower glob pattern"
		}
		return out, nil
	})

	r.Register("read_file", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := stringArg(args, 0, "read_file", "path")
		if err != nil {
			return nil, err
		}
		offset, err := optionalNonNegInt(args, 1, "read_file", "offset")
		if err != nil {
			return nil, err
		}
		maxBytes, err := optionalNonNegInt(args, 2, "read_file", "max_bytes")
		if err != nil {
			return nil, err
		}
		res, err := readFileOp(guard, path, offset, maxBytes)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content":    res.Content,
			"bytes_read": res.BytesRead,
			"total_size": res.TotalSize,
			"offset":     res.Offset,
		}, nil
	})

	r.Register("write_file", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		path, err := stringArg(args, 0, "write_file", "path")
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, Raise(KindValue, "write_file requires content")
		}
		content, ok := args[1].(string)
		if !ok {
			return nil, Raise(KindValue, "write_file content must be a string")
		}
		written, err := writeFileOp(guard, path, content)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": written, "bytes_written": len(content)}, nil
	})

	r.Register("continue_thinking", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		ec.continueRequested = true
		return nil, nil
	})

	return r
}

// dataFilePath validates and resolves the path argument of a data-access
// function, failing on directories so they never silently succeed where a
// file is expected.
func dataFilePath(guard *confine.Guard, fn string, args []any) (string, error) {
	rel, err := stringArg(args, 0, fn, "path")
	if err != nil {
		return "", err
	}
	path, err := guard.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", Raise(KindOS, "%s is a directory, not an alignment file", rel)
	}
	return path, nil
}

func stringArg(args []any, i int, fn, name string) (string, error) {
	if i >= len(args) {
		return "", Raise(KindValue, "%s requires a %s", fn, name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", Raise(KindValue, "%s %s must be a non-empty string", fn, name)
	}
	return s, nil
}

// optionalNonNegInt reads a positional numeric argument, rejecting NaN,
// infinities, fractional, and non-numeric values explicitly — no coercion.
func optionalNonNegInt(args []any, i int, fn, name string) (int, error) {
	if i >= len(args) || args[i] == nil {
		return 0, nil
	}
	return asNonNegInt(args[i], fn, name)
}

func asNonNegInt(v any, fn, name string) (int, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, Raise(KindValue, "%s %s must be an integer, got %T", fn, name, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, Raise(KindValue, "%s %s must be a finite integer", fn, name)
	}
	if f != math.Trunc(f) {
		return 0, Raise(KindValue, "%s %s must be a whole number, got %v", fn, name, f)
	}
	if f < 0 {
		return 0, Raise(KindValue, "%s %s must not be negative, got %v", fn, name, f)
	}
	if f > math.MaxInt32 {
		return 0, Raise(KindValue, "%s %s is too large", fn, name)
	}
	return int(f), nil
}

// tableValue converts a Table to the interpreter's data model.
func tableValue(t *alignments.Table) map[string]any {
	cols := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c
	}
	rows := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		r := make([]any, len(row))
		copy(r, row)
		rows[i] = r
	}
	return map[string]any{"columns": cols, "rows": rows}
}

// --- kwargs translation ---
//
// Each data-access function translates its snake_case options bag through a
// narrow field-by-field table; unknown keys are rejected, never ignored.

type optSetter func(v any) error

func translateOpts(fn string, kwargs map[string]any, setters map[string]optSetter) error {
	for key, v := range kwargs {
		set, ok := setters[key]
		if !ok {
			supported := make([]string, 0, len(setters))
			for k := range setters {
				supported = append(supported, k)
			}
			sort.Strings(supported)
			return Raise(KindValue, "unknown option %q for %s (supported: %s)", key, fn, strings.Join(supported, ", "))
		}
		if err := set(v); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, name string) optSetter {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return Raise(KindValue, "option %q must be a string, got %T", name, v)
		}
		*dst = s
		return nil
	}
}

func setBool(dst *bool, name string) optSetter {
	return func(v any) error {
		b, ok := v.(bool)
		if !ok {
			return Raise(KindValue, "option %q must be a boolean, got %T", name, v)
		}
		*dst = b
		return nil
	}
}

func setInt(dst *int, name string) optSetter {
	return func(v any) error {
		n, err := asNonNegInt(v, "option", name)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// setRowCap accepts a requested row cap but never above the enforced limit.
func setRowCap(dst *int, limit int) optSetter {
	return func(v any) error {
		n, err := asNonNegInt(v, "option", "max_rows")
		if err != nil {
			return err
		}
		if n == 0 || n > limit {
			n = limit
		}
		*dst = n
		return nil
	}
}

func setProb(dst *float64, name string) optSetter {
	return func(v any) error {
		f, ok := v.(float64)
		if !ok {
			if n, isInt := v.(int); isInt {
				f, ok = float64(n), true
			}
		}
		if !ok || math.IsNaN(f) || f < 0 || f > 1 {
			return Raise(KindValue, "option %q must be a number in [0,1]", name)
		}
		*dst = f
		return nil
	}
}

func setStringList(dst *[]string, name string) optSetter {
	return func(v any) error {
		items, ok := v.([]any)
		if !ok {
			return Raise(KindValue, "option %q must be a list of strings", name)
		}
		out := make([]string, len(items))
		for i, it := range items {
			s, ok := it.(string)
			if !ok {
				return Raise(KindValue, "option %q must contain only strings", name)
			}
			out[i] = s
		}
		*dst = out
		return nil
	}
}
