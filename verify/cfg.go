// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"fmt"

	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
)

// decodeFunc walks fe's bytecode range one instruction at a time (spec.md
// §4.2.1), requiring every byte in the range to belong to exactly one
// instruction — a decode that runs past CodeOff+CodeLen, or a trailing
// partial instruction, is rejected here rather than left for the VM to
// stumble over at run time.
func decodeFunc(prog *container.Program, fe *container.FuncEntry) ([]isa.Instr, map[uint32]int, error) {
	start, end := int(fe.CodeOff), int(fe.CodeOff)+int(fe.CodeLen)
	if end > len(prog.Bytecode) {
		return nil, nil, fmt.Errorf("code range [%d,%d) exceeds bytecode length %d", start, end, len(prog.Bytecode))
	}
	code := prog.Bytecode[start:end]

	var instrs []isa.Instr
	pcIndex := make(map[uint32]int)
	pc := 0
	for pc < len(code) {
		in, err := isa.Decode(code, pc)
		if err != nil {
			return nil, nil, err
		}
		pcIndex[uint32(pc)] = len(instrs)
		instrs = append(instrs, in)
		pc += in.Len
	}
	if pc != len(code) {
		return nil, nil, fmt.Errorf("trailing %d undecoded bytes", len(code)-pc)
	}
	return instrs, pcIndex, nil
}

// graph is the per-function control-flow graph in instruction-index space
// (spec.md §4.2.1's boundary computation, adjacency by instruction index
// rather than by byte PC — see SPEC_FULL.md §4.2).
type graph struct {
	succ      [][]int
	pred      [][]int
	reachable []bool // true if reachable from instruction 0, the function entry
}

func buildGraph(fid container.FuncId, instrs []isa.Instr, pcIndex map[uint32]int, cfg Config) (*graph, error) {
	if len(instrs) > cfg.MaxBlocks {
		return nil, vErr(fid, -1, ErrResourceLimitExceeded, "instruction count %d exceeds MaxBlocks %d", len(instrs), cfg.MaxBlocks)
	}
	if len(instrs) == 0 {
		return nil, vErr(fid, -1, ErrMissingTerminator, "function has no instructions")
	}
	if last := instrs[len(instrs)-1]; !last.Op.IsTerminator() {
		return nil, vErr(fid, last.PC, ErrMissingTerminator, "function body must end with a terminator (br/jmp/ret/trap), found %s", last.Op)
	}

	g := &graph{succ: make([][]int, len(instrs)), pred: make([][]int, len(instrs))}
	for i := range instrs {
		in := &instrs[i]
		for _, targetPC := range in.Successors() {
			idx, ok := pcIndex[targetPC]
			if !ok {
				return nil, vErr(fid, in.PC, ErrBranchToMidInstruction, "branch target pc %d is not an instruction boundary", targetPC)
			}
			g.succ[i] = append(g.succ[i], idx)
			g.pred[idx] = append(g.pred[idx], i)
		}
	}
	g.reachable = markReachable(g.succ)
	return g, nil
}

// markReachable walks succ from instruction 0, the function entry
// (spec.md §4.2.1: "Every instruction reachable from the entry PC
// must be well-formed. Unreachable instructions are permitted but still
// decoded.").
func markReachable(succ [][]int) []bool {
	reached := make([]bool, len(succ))
	reached[0] = true
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range succ[i] {
			if !reached[next] {
				reached[next] = true
				stack = append(stack, next)
			}
		}
	}
	return reached
}
