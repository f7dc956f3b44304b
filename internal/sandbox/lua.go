package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaEngine embeds gopher-lua as the sandbox interpreter. The chunk runs on
// its own goroutine; external functions block it on a call channel until the
// host resumes with a result or a typed exception, so host logic and
// interpreted code never execute concurrently within one invocation.
//
// Only the base, table, string, and math libraries are opened. os, io,
// debug, and coroutine stay closed: the filesystem is reachable solely
// through the external functions.
type LuaEngine struct {
	logger *slog.Logger
}

// NewLuaEngine creates the interpreter embedding.
func NewLuaEngine(logger *slog.Logger) *LuaEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LuaEngine{logger: logger}
}

type resumeMsg struct {
	value any
	rerr  *RaiseError
}

type luaRun struct {
	ctx    context.Context
	events chan Event
}

// Start begins a run and blocks until the first suspend or termination.
func (e *LuaEngine) Start(ctx context.Context, source string, limits ResourceLimits, binds map[string]any, printFn func(string), funcs []string) (Event, error) {
	runCtx, cancel := context.WithTimeout(ctx, limits.MaxDuration)
	run := &luaRun{ctx: runCtx, events: make(chan Event)}
	go func() {
		defer cancel()
		run.execute(source, limits, binds, printFn, funcs)
	}()
	return run.next()
}

// next waits for the interpreter's next event. Context expiry is reported
// structurally, not by parsing a message.
func (r *luaRun) next() (Event, error) {
	select {
	case ev := <-r.events:
		return ev, nil
	case <-r.ctx.Done():
		return Event{Done: r.contextOutcome()}, nil
	}
}

// emit hands an event to the host, giving up if the run context ends while
// nobody is listening.
func (r *luaRun) emit(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *luaRun) contextOutcome() *TermOutcome {
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return &TermOutcome{Err: Raise(KindRuntime, "time limit exceeded"), IsTimeout: true}
	}
	return &TermOutcome{Err: Raise(KindRuntime, "execution cancelled")}
}

func (r *luaRun) execute(source string, limits ResourceLimits, binds map[string]any, printFn func(string), funcs []string) {
	L := lua.NewState(lua.Options{
		CallStackSize:   128,
		RegistrySize:    1024,
		RegistryMaxSize: registryCeiling(limits.MaxAllocations),
		SkipOpenLibs:    true,
	})
	defer L.Close()
	L.SetContext(r.ctx)

	if err := openSafeLibs(L); err != nil {
		r.emit(Event{Done: &TermOutcome{Err: Normalize(err)}})
		return
	}
	// The base library bundles file loaders; the filesystem is reachable
	// only through the external functions.
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, top)
		for i := 1; i <= top; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		printFn(strings.Join(parts, "\t") + "\n")
		return 0
	}))
	for name, v := range binds {
		L.SetGlobal(name, toLua(L, v))
	}
	for _, name := range funcs {
		L.SetGlobal(name, L.NewFunction(r.externalFn(name)))
	}

	fn, err := L.LoadString(source)
	if err != nil {
		r.emit(Event{Done: &TermOutcome{Err: Raise(KindSyntax, "%s", luaErrorMessage(err))}})
		return
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}); err != nil {
		r.emit(Event{Done: r.failure(err)})
		return
	}
	out := &TermOutcome{}
	if L.GetTop() > 0 {
		out.Value = fromLua(L.Get(1))
		out.HasValue = true
	}
	r.emit(Event{Done: out})
}

// externalFn suspends the run by publishing a Snapshot and blocking until
// the host resumes it. A typed exception resumes as a Lua error value,
// catchable with pcall.
func (r *luaRun) externalFn(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]any, 0, top)
		for i := 1; i <= top; i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		var kwargs map[string]any
		if len(args) > 0 {
			if m, ok := args[len(args)-1].(map[string]any); ok {
				kwargs = m
				args = args[:len(args)-1]
			}
		}

		reply := make(chan resumeMsg, 1)
		snap := &Snapshot{Name: name, Args: args, Kwargs: kwargs}
		snap.resume = func(value any, rerr *RaiseError) (Event, error) {
			select {
			case reply <- resumeMsg{value: value, rerr: rerr}:
			case <-r.ctx.Done():
			}
			return r.next()
		}
		if !r.emit(Event{Call: snap}) {
			L.RaiseError("execution cancelled")
			return 0
		}
		var msg resumeMsg
		select {
		case msg = <-reply:
		case <-r.ctx.Done():
			L.RaiseError("time limit exceeded")
			return 0
		}
		if msg.rerr != nil {
			L.Error(raiseValue(L, msg.rerr), 1)
			return 0
		}
		L.Push(toLua(L, msg.value))
		return 1
	}
}

// failure maps an uncaught Lua error back onto the closed kind set. An
// error value that is one of our raise tables keeps its original kind, so
// host exceptions that interpreted code chose not to catch survive the
// round trip.
func (r *luaRun) failure(err error) *TermOutcome {
	if r.ctx.Err() != nil {
		return r.contextOutcome()
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if m, ok := fromLua(apiErr.Object).(map[string]any); ok {
			kind, _ := m["kind"].(string)
			message, _ := m["message"].(string)
			if kind != "" {
				return &TermOutcome{
					Err:       &RaiseError{Kind: validKind(kind), Message: message},
					IsTimeout: looksLikeTimeout(message),
				}
			}
		}
		msg := apiErr.Object.String()
		return &TermOutcome{Err: Raise(KindRuntime, "%s", msg), IsTimeout: looksLikeTimeout(msg)}
	}
	return &TermOutcome{Err: Normalize(err), IsTimeout: looksLikeTimeout(err.Error())}
}

func validKind(s string) Kind {
	switch k := Kind(s); k {
	case KindOS, KindValue, KindFileExists, KindKey, KindRuntime, KindSyntax:
		return k
	default:
		return KindRuntime
	}
}

func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object.String()
	}
	return err.Error()
}

// openSafeLibs opens the side-effect-free subset of the standard libraries.
func openSafeLibs(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("opening %s library: %w", lib.name, err)
		}
	}
	return nil
}

// registryCeiling maps the allocation budget onto gopher-lua's registry
// growth ceiling, the closest thing the embedding has to a live-value cap.
func registryCeiling(maxAllocations int) int {
	const floor = 1024
	if maxAllocations < floor {
		return floor
	}
	return maxAllocations
}

// raiseValue builds the Lua error value for a typed host exception: a table
// with kind and message fields, catchable via pcall.
func raiseValue(L *lua.LState, rerr *RaiseError) lua.LValue {
	tbl := L.NewTable()
	tbl.RawSetString("kind", lua.LString(string(rerr.Kind)))
	tbl.RawSetString("message", lua.LString(rerr.Message))
	return tbl
}

// maxConvertDepth bounds table nesting during conversion. Interpreted code
// controls the shapes it hands back, so the converter must not recurse
// without a ceiling.
const maxConvertDepth = 128

// fromLua converts an interpreter value to the sandbox data model: nil,
// bool, float64, string, []any, map[string]any. Cyclic tables and nesting
// past maxConvertDepth degrade to a small error payload instead of
// overflowing the conversion stack.
func fromLua(v lua.LValue) any {
	return boundedFromLua(v, make(map[*lua.LTable]struct{}), 0)
}

func boundedFromLua(v lua.LValue, visiting map[*lua.LTable]struct{}, depth int) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if depth >= maxConvertDepth {
			return map[string]any{"error": "value nesting too deep"}
		}
		if _, ok := visiting[v]; ok {
			return map[string]any{"error": "cyclic value"}
		}
		visiting[v] = struct{}{}
		out := tableFromLua(v, visiting, depth+1)
		delete(visiting, v)
		return out
	default:
		return v.String()
	}
}

func tableFromLua(t *lua.LTable, visiting map[*lua.LTable]struct{}, depth int) any {
	if maxn := t.MaxN(); maxn > 0 {
		arr := make([]any, 0, maxn)
		for i := 1; i <= maxn; i++ {
			arr = append(arr, boundedFromLua(t.RawGetInt(i), visiting, depth))
		}
		return arr
	}
	m := make(map[string]any)
	t.ForEach(func(k, val lua.LValue) {
		m[k.String()] = boundedFromLua(val, visiting, depth)
	})
	return m
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range v {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}
