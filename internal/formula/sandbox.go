package formula

import (
	lua "github.com/yuin/gopher-lua"
)

// newSandboxedVM creates a Lua VM for evaluating formulas.
//
// Formulas are data, so everything that reaches outside the VM is removed:
// os and io, module loading (require, dofile, loadfile, load, loadstring)
// and debug. string, table and math stay available for building URLs.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"require", "dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}
