// Package elfcheck disassembles the bytes at a loaded kernel image's entry
// point as a human-auditable sanity check that an ELF loader installed real
// code rather than a zero page or a misaligned section.
package elfcheck

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// DefaultInstructionCount is how many instructions Disassemble decodes when
// the caller doesn't ask for a specific count.
const DefaultInstructionCount = 16

// Result is one decoded instruction, offset from the entry point.
type Result struct {
	Offset int
	Inst   x86asm.Inst
	Text   string
}

// Disassemble decodes up to n 64-bit instructions from code, which must
// start at the address to disassemble from (typically an ELF image's entry
// point, sliced out of its containing section by the caller). It stops
// early, without error, once code is exhausted or a trailing instruction
// runs past the end of the supplied bytes — there is no guarantee the
// caller captured a whole basic block.
func Disassemble(code []byte, n int) ([]Result, error) {
	if n <= 0 {
		n = DefaultInstructionCount
	}
	var results []Result
	off := 0
	for i := 0; i < n && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err == x86asm.ErrTruncated {
			break
		}
		if err != nil {
			return results, fmt.Errorf("elfcheck: decoding instruction at offset %d: %w", off, err)
		}
		results = append(results, Result{Offset: off, Inst: inst, Text: x86asm.GNUSyntax(inst, 0, nil)})
		off += inst.Len
	}
	return results, nil
}

// WriteResults prints one line per decoded instruction in objdump-like
// form: offset, raw bytes, and the decoded mnemonic.
func WriteResults(w io.Writer, entry uint64, results []Result) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%#x:\t%s\n", entry+uint64(r.Offset), r.Text); err != nil {
			return err
		}
	}
	return nil
}

// LooksLikeCode reports whether results is non-empty and code holds at least
// one non-zero byte (x86asm happily decodes a run of 0x00 bytes as
// "ADD [RAX], AL" — the classic zero-page tell) — a cheap signal
// that the loader copied a real code section rather than landing on BSS or
// an unmapped-but-zero-backed page.
func LooksLikeCode(code []byte, results []Result) bool {
	if len(results) == 0 {
		return false
	}
	allZero := true
	for _, b := range code {
		if b != 0 {
			allZero = false
			break
		}
	}
	return !allZero
}
