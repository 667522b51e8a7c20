package chunkmac

import (
	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// Compute folds plaintext located at file offset pos into per-chunk MACs and
// stores them in out. A range that starts inside a chunk continues from that
// chunk's entry in prior, which must cover exactly the preceding bytes;
// otherwise the chunk is left without an entry and will be fetched again.
func Compute(c *symm.Cipher, plaintext []byte, pos, size int64, ctriv uint64, prior, out *Map) {
	end := pos + int64(len(plaintext))
	for p := pos; p < end; {
		floor := Floor(p)
		ceil := Ceil(p, size)
		segEnd := ceil
		if segEnd > end {
			segEnd = end
		}

		var mac [symm.BlockSize]byte
		if p == floor {
			mac = symm.InitialMAC(ctriv)
		} else {
			e, ok := lookup(prior, out, floor)
			if !ok || floor+int64(e.Offset) != p || e.Finished {
				p = segEnd
				continue
			}
			mac = e.MAC
		}

		c.MACBlocks(&mac, plaintext[p-pos:segEnd-pos])
		out.Set(floor, Entry{
			MAC:      mac,
			Offset:   uint32(segEnd - floor),
			Finished: segEnd == ceil,
		})
		p = segEnd
	}
}

func lookup(prior, out *Map, floor int64) (Entry, bool) {
	if out != nil {
		if e, ok := out.Get(floor); ok {
			return e, true
		}
	}
	if prior != nil {
		return prior.Get(floor)
	}
	return Entry{}, false
}
