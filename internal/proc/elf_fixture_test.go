package proc

import "encoding/binary"

// buildMinimalELF assembles a single-PT_LOAD ELF64 executable by hand: no
// pack example or ecosystem library writes ELF object files, and the
// format's fixed-size header layout is simple enough to pack directly with
// encoding/binary, mirroring how debug/elf documents the fields it reads.
func buildMinimalELF(vaddr, entry uint64, payload []byte) []byte {
	const ehsize = 64
	const phsize = 56

	buf := make([]byte, ehsize+phsize+len(payload))

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)              // e_type = ET_EXEC
	le.PutUint16(buf[18:], 243)            // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)              // e_version
	le.PutUint64(buf[24:], entry)          // e_entry
	le.PutUint64(buf[32:], ehsize)         // e_phoff
	le.PutUint64(buf[40:], 0)              // e_shoff
	le.PutUint32(buf[48:], 0)              // e_flags
	le.PutUint16(buf[52:], ehsize)         // e_ehsize
	le.PutUint16(buf[54:], phsize)         // e_phentsize
	le.PutUint16(buf[56:], 1)              // e_phnum
	le.PutUint16(buf[58:], 0)              // e_shentsize
	le.PutUint16(buf[60:], 0)              // e_shnum
	le.PutUint16(buf[62:], 0)              // e_shstrndx

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                     // p_type = PT_LOAD
	le.PutUint32(ph[4:], 1|2|4)                 // p_flags = PF_X|PF_W|PF_R
	le.PutUint64(ph[8:], ehsize+phsize)         // p_offset
	le.PutUint64(ph[16:], vaddr)                // p_vaddr
	le.PutUint64(ph[24:], vaddr)                // p_paddr
	le.PutUint64(ph[32:], uint64(len(payload))) // p_filesz
	le.PutUint64(ph[40:], uint64(len(payload))) // p_memsz
	le.PutUint64(ph[48:], 0x1000)               // p_align

	copy(buf[ehsize+phsize:], payload)
	return buf
}

// tinyELF returns a minimal valid ELF loaded at a page-aligned address with
// a small memsz, suitable for spawn/fork/exec tests that never actually
// execute code.
func tinyELF() []byte {
	return buildMinimalELF(0x1000, 0x1000, []byte{0, 0, 0, 0})
}
