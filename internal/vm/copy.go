package vm

import (
	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
)

// TranslatedByteBuffer walks pt for the byte range [ptr, ptr+length) and
// returns an ordered list of kernel-reachable slices, split at page
// boundaries (spec §4.2). Required for copying structures that may
// straddle two pages.
func TranslatedByteBuffer(pt *PageTable, arena *mem.HostArena, ptr uint64, length int) ([][]byte, error) {
	if length == 0 {
		return nil, nil
	}
	var out [][]byte
	start := ptr
	end := ptr + uint64(length)
	for start < end {
		vpn := VPN(start / mem.PageSize)
		pageOff := start % mem.PageSize
		pte, ok := pt.Translate(vpn)
		if !ok {
			return nil, kerr.New(kerr.InvalidArgument, "vm: unmapped user address")
		}
		page := arena.Page(pte.PPN())
		avail := mem.PageSize - pageOff
		remain := end - start
		n := avail
		if remain < n {
			n = remain
		}
		out = append(out, page[pageOff:pageOff+n])
		start += n
	}
	return out, nil
}

// CopyToApp copies item's bytes into the user address userPtr within pt's
// address space (spec §4.9), resolving across a page boundary if needed.
func CopyToApp(pt *PageTable, arena *mem.HostArena, item []byte, userPtr uint64) error {
	slices, err := TranslatedByteBuffer(pt, arena, userPtr, len(item))
	if err != nil {
		return err
	}
	off := 0
	for _, s := range slices {
		off += copy(s, item[off:])
	}
	return nil
}

// CopyFromApp reads length bytes starting at userPtr out of pt's address
// space (spec §4.9).
func CopyFromApp(pt *PageTable, arena *mem.HostArena, userPtr uint64, length int) ([]byte, error) {
	slices, err := TranslatedByteBuffer(pt, arena, userPtr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out, nil
}
