// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Command sandboxvm is a reference tool for the sandboxvm container
// format: disassemble a container file, run it through the verifier, or
// execute one of its functions end to end.
//
// Usage:
//
//	sandboxvm disasm <file.svm>
//	sandboxvm verify <file.svm>
//	sandboxvm run <file.svm> <func-id> [args...]
//
// Flags:
//
//	-version  Print version and exit
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
	"github.com/probelang/sandboxvm/refhost"
	"github.com/probelang/sandboxvm/verify"
	"github.com/probelang/sandboxvm/vm"
)

const version = "0.1.0"

func main() {
	ver := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *ver {
		fmt.Printf("sandboxvm %s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: sandboxvm <disasm|verify|run> <file.svm> [args...]")
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	path := flag.Arg(1)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	prog, err := container.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "disasm":
		disasm(prog)
	case "verify":
		doVerify(prog)
	case "run":
		doRun(prog, flag.Args()[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(1)
	}
}

func disasm(prog *container.Program) {
	for fid := range prog.Funcs {
		fe := &prog.Funcs[fid]
		name, _ := prog.Symbols.Lookup(fe.Name)
		fmt.Printf("func %d %q (args=%d rets=%d regs=%d)\n", fid, name, fe.ArgCount(), fe.RetCount(), fe.RegCount)

		code := prog.Bytecode[fe.CodeOff : fe.CodeOff+fe.CodeLen]
		pc := 0
		for pc < len(code) {
			in, err := isa.Decode(code, pc)
			if err != nil {
				fmt.Printf("  %6d  <decode error: %v>\n", pc, err)
				break
			}
			fmt.Printf("  %6d  %s\n", pc, disasmOperands(in))
			pc += in.Len
		}
	}
}

func disasmOperands(in isa.Instr) string {
	switch in.Op {
	case isa.OpConst:
		return fmt.Sprintf("%s r%d, const[%d]", in.Op, in.Dst, in.ConstIdx)
	case isa.OpBr:
		return fmt.Sprintf("%s r%d, %d, %d", in.Op, in.Src[0], in.BranchT, in.BranchF)
	case isa.OpJmp:
		return fmt.Sprintf("%s %d", in.Op, in.BranchT)
	case isa.OpCall:
		return fmt.Sprintf("%s func[%d], args=%v, rets=%v", in.Op, in.FuncID, in.Args, in.Rets)
	case isa.OpHostCall:
		return fmt.Sprintf("%s hostsig[%d], args=%v, rets=%v", in.Op, in.HostSigID, in.Args, in.Rets)
	case isa.OpRet:
		return fmt.Sprintf("%s %v", in.Op, in.Rets)
	case isa.OpTrap:
		return in.Op.String()
	default:
		s := fmt.Sprintf("%s r%d", in.Op, in.Dst)
		for _, src := range in.Src {
			s += fmt.Sprintf(", r%d", src)
		}
		return s
	}
}

func doVerify(prog *container.Program) {
	vp, err := verify.Verify(prog, verify.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d functions verified\n", len(vp.Funcs))
}

func doRun(prog *container.Program, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sandboxvm run <file.svm> <func-id> [args...]")
		os.Exit(1)
	}
	fid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid func id: %v\n", err)
		os.Exit(1)
	}
	vp, err := verify.Verify(prog, verify.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	if int(fid) >= len(vp.Funcs) {
		fmt.Fprintf(os.Stderr, "func %d out of range\n", fid)
		os.Exit(1)
	}

	fn := &vp.Funcs[fid]
	argv := args[1:]
	if len(argv) != len(fn.ArgTypes) {
		fmt.Fprintf(os.Stderr, "func %d wants %d args, got %d\n", fid, len(fn.ArgTypes), len(argv))
		os.Exit(1)
	}
	values := make([]vm.Value, len(argv))
	for i, s := range argv {
		v, err := parseArg(fn.ArgTypes[i], s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "arg %d: %v\n", i, err)
			os.Exit(1)
		}
		values[i] = v
	}

	host := refhost.New(nil)
	m := vm.New(vp, host, nil, nil, vm.DefaultBudget(), nil)
	results, err := m.Run(container.FuncId(fid), values)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trap: %v\n", err)
		os.Exit(1)
	}
	for i, r := range results {
		fmt.Printf("ret[%d] = %s\n", i, formatValue(r))
	}
}

func parseArg(t container.ValueType, s string) (vm.Value, error) {
	switch t.Tag {
	case container.TagI64:
		n, err := strconv.ParseInt(s, 10, 64)
		return vm.Value{Type: t, I64: n}, err
	case container.TagU64:
		n, err := strconv.ParseUint(s, 10, 64)
		return vm.Value{Type: t, U64: n}, err
	case container.TagF64:
		n, err := strconv.ParseFloat(s, 64)
		return vm.Value{Type: t, F64: n}, err
	case container.TagBool:
		n, err := strconv.ParseBool(s)
		return vm.Value{Type: t, Bool: n}, err
	case container.TagBytes:
		return vm.Value{Type: t, Bytes: []byte(s)}, nil
	case container.TagStr:
		return vm.Value{Type: t, Str: s}, nil
	default:
		return vm.Value{}, fmt.Errorf("cannot parse a %s argument from the command line", t)
	}
}

func formatValue(v vm.Value) string {
	switch v.Type.Tag {
	case container.TagI64:
		return strconv.FormatInt(v.I64, 10)
	case container.TagU64:
		return strconv.FormatUint(v.U64, 10)
	case container.TagF64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case container.TagBool:
		return strconv.FormatBool(v.Bool)
	case container.TagUnit:
		return "()"
	case container.TagBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case container.TagStr:
		return strconv.Quote(v.Str)
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}
