// script_lua.go - Lua scripting bridge for automated programming runs
//
// Exposes the default device to a Lua script: memory and register
// access, execution control and erase. Scripts drive repetitive
// production tasks without an interactive session.

package main

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

func luaCheckDevice(l *lua.LState) Device {
	dev := DefaultDevice()
	if dev == nil {
		l.RaiseError("no device attached")
	}
	return dev
}

func luaReadMem(l *lua.LState) int {
	dev := luaCheckDevice(l)
	addr := Address(l.CheckInt(1))
	length := l.CheckInt(2)

	buf := make([]byte, length)
	if err := dev.ReadMem(addr, buf); err != nil {
		l.RaiseError("readmem: %v", err)
	}

	t := l.NewTable()
	for i, b := range buf {
		t.RawSetInt(i+1, lua.LNumber(b))
	}
	l.Push(t)
	return 1
}

func luaWriteMem(l *lua.LState) int {
	dev := luaCheckDevice(l)
	addr := Address(l.CheckInt(1))
	t := l.CheckTable(2)

	buf := make([]byte, 0, t.Len())
	t.ForEach(func(_, v lua.LValue) {
		buf = append(buf, byte(lua.LVAsNumber(v)))
	})

	if err := dev.WriteMem(addr, buf); err != nil {
		l.RaiseError("writemem: %v", err)
	}
	return 0
}

func luaReg(l *lua.LState) int {
	dev := luaCheckDevice(l)
	n := l.CheckInt(1)

	if n < 0 || n >= DEVICE_NUM_REGS {
		l.RaiseError("reg: bad register number %d", n)
	}

	regs := make([]Address, DEVICE_NUM_REGS)
	if err := dev.GetRegs(regs); err != nil {
		l.RaiseError("reg: %v", err)
	}

	l.Push(lua.LNumber(regs[n]))
	return 1
}

func luaSetReg(l *lua.LState) int {
	dev := luaCheckDevice(l)
	n := l.CheckInt(1)
	value := l.CheckInt(2)

	if n < 0 || n >= DEVICE_NUM_REGS {
		l.RaiseError("setreg: bad register number %d", n)
	}

	regs := make([]Address, DEVICE_NUM_REGS)
	if err := dev.GetRegs(regs); err != nil {
		l.RaiseError("setreg: %v", err)
	}

	regs[n] = Address(value)
	if err := dev.SetRegs(regs); err != nil {
		l.RaiseError("setreg: %v", err)
	}
	return 0
}

func luaCtl(op DeviceCtl, name string) lua.LGFunction {
	return func(l *lua.LState) int {
		dev := luaCheckDevice(l)

		if err := dev.Ctl(op); err != nil {
			l.RaiseError("%s: %v", name, err)
		}
		return 0
	}
}

func luaErase(l *lua.LState) int {
	dev := luaCheckDevice(l)

	kind := DEVICE_ERASE_MAIN
	addr := ADDRESS_NONE

	if l.GetTop() >= 1 {
		kind = DEVICE_ERASE_SEGMENT
		addr = Address(l.CheckInt(1))
	}

	if err := dev.Erase(kind, addr); err != nil {
		l.RaiseError("erase: %v", err)
	}
	return 0
}

func luaPoll(l *lua.LState) int {
	dev := luaCheckDevice(l)

	switch dev.Poll() {
	case DEVICE_STATUS_HALTED:
		l.Push(lua.LString("halted"))
	case DEVICE_STATUS_RUNNING:
		l.Push(lua.LString("running"))
	case DEVICE_STATUS_INTR:
		l.Push(lua.LString("intr"))
	default:
		l.Push(lua.LString("error"))
	}
	return 1
}

// RunScript executes a Lua script file against the default device.
func RunScript(path string) error {
	l := lua.NewState()
	defer l.Close()

	l.SetGlobal("readmem", l.NewFunction(luaReadMem))
	l.SetGlobal("writemem", l.NewFunction(luaWriteMem))
	l.SetGlobal("reg", l.NewFunction(luaReg))
	l.SetGlobal("setreg", l.NewFunction(luaSetReg))
	l.SetGlobal("run", l.NewFunction(luaCtl(DEVICE_CTL_RUN, "run")))
	l.SetGlobal("halt", l.NewFunction(luaCtl(DEVICE_CTL_HALT, "halt")))
	l.SetGlobal("step", l.NewFunction(luaCtl(DEVICE_CTL_STEP, "step")))
	l.SetGlobal("reset", l.NewFunction(luaCtl(DEVICE_CTL_RESET, "reset")))
	l.SetGlobal("erase", l.NewFunction(luaErase))
	l.SetGlobal("poll", l.NewFunction(luaPoll))

	if err := l.DoFile(path); err != nil {
		return fmt.Errorf("script: %w", err)
	}

	return nil
}
