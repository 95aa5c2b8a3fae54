// CLAUDE:SUMMARY Lua replace-patchers: wraps bundle scripts as transforms over a weft snapshot API.

package modpack

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/storyweft/weft/story"
)

// NewLuaTransform wraps Lua source as a named transform. Every application
// runs the source in a fresh state: the standard libraries minus os and io,
// plus a weft table bound to the snapshot being patched:
//
//	weft.get(kind, name)                  -> content or nil
//	weft.set(kind, name, content)         -- upsert, metadata kept on update
//	weft.remove(kind, name)               -> true if removed
//	weft.names(kind)                      -> array of names
//	weft.replace(kind, name, find, repl)  -> replacement count, errors if absent
//
// kind is "script", "style", or "passage". A Lua error (or compile failure)
// becomes the transform's error.
func NewLuaTransform(name, src string) story.Transform {
	return story.Transform{
		Name: name,
		Apply: func(ctx context.Context, snap *story.Snapshot) error {
			l := lua.NewState()
			lua.OpenLibraries(l)
			sandbox(l)
			registerWeft(l, snap)
			if err := lua.DoString(l, src); err != nil {
				return fmt.Errorf("modpack: lua patcher %s: %w", name, err)
			}
			return nil
		},
	}
}

// CheckPatcher reports whether src compiles as a Lua chunk, without running
// it.
func CheckPatcher(src string) error {
	l := lua.NewState()
	if err := lua.LoadString(l, src); err != nil {
		return fmt.Errorf("modpack: lua compile: %w", err)
	}
	return nil
}

// sandbox removes globals a content patcher has no business calling.
func sandbox(l *lua.State) {
	for _, g := range []string{"os", "io", "dofile", "loadfile"} {
		l.PushNil()
		l.SetGlobal(g)
	}
}

func registerWeft(l *lua.State, snap *story.Snapshot) {
	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "get", Function: weftGet(snap)},
		{Name: "set", Function: weftSet(snap)},
		{Name: "remove", Function: weftRemove(snap)},
		{Name: "names", Function: weftNames(snap)},
		{Name: "replace", Function: weftReplace(snap)},
	}, 0)
	l.SetGlobal("weft")
}

func weftGet(snap *story.Snapshot) lua.Function {
	return func(l *lua.State) int {
		k := checkKind(l, 1)
		name := lua.CheckString(l, 2)
		if i := snap.Find(k, name); i >= 0 {
			l.PushString(snap.Kind(k)[i].Content)
		} else {
			l.PushNil()
		}
		return 1
	}
}

func weftSet(snap *story.Snapshot) lua.Function {
	return func(l *lua.State) int {
		k := checkKind(l, 1)
		name := lua.CheckString(l, 2)
		content := lua.CheckString(l, 3)
		if i := snap.Find(k, name); i >= 0 {
			snap.Kind(k)[i].Content = content
			return 0
		}
		snap.SetKind(k, append(snap.Kind(k), story.Record{Name: name, Content: content}))
		return 0
	}
}

func weftRemove(snap *story.Snapshot) lua.Function {
	return func(l *lua.State) int {
		k := checkKind(l, 1)
		name := lua.CheckString(l, 2)
		i := snap.Find(k, name)
		if i < 0 {
			l.PushBoolean(false)
			return 1
		}
		recs := snap.Kind(k)
		snap.SetKind(k, append(recs[:i], recs[i+1:]...))
		l.PushBoolean(true)
		return 1
	}
}

func weftNames(snap *story.Snapshot) lua.Function {
	return func(l *lua.State) int {
		k := checkKind(l, 1)
		l.NewTable()
		for i, r := range snap.Kind(k) {
			l.PushString(r.Name)
			l.RawSetInt(-2, i+1)
		}
		return 1
	}
}

func weftReplace(snap *story.Snapshot) lua.Function {
	return func(l *lua.State) int {
		k := checkKind(l, 1)
		name := lua.CheckString(l, 2)
		find := lua.CheckString(l, 3)
		repl := lua.CheckString(l, 4)
		i := snap.Find(k, name)
		if i < 0 {
			lua.Errorf(l, "weft.replace: no %s named %q", k.String(), name)
			return 0
		}
		recs := snap.Kind(k)
		count := strings.Count(recs[i].Content, find)
		recs[i].Content = strings.ReplaceAll(recs[i].Content, find, repl)
		l.PushInteger(count)
		return 1
	}
}

func checkKind(l *lua.State, arg int) story.Kind {
	s := lua.CheckString(l, arg)
	for _, k := range story.Kinds {
		if k.String() == s {
			return k
		}
	}
	lua.ArgumentError(l, arg, "kind must be script, style, or passage")
	return 0
}
