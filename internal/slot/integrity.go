package slot

import (
	"time"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Bounds of the search for chunk MACs that were recorded for data that never
// made it to the file. Only the last entries are considered.
const (
	singleGapWindow = 96
	singleGapMaxLen = 64
	doubleGapWindow = 40
	doubleGapMaxLen = 16
)

// verifyCachedDownload checks a download whose data is already complete on
// disk against the expected MAC-of-MACs.
func (s *Slot) verifyCachedDownload() {
	t := s.t
	t.CurrentMetaMac = t.ChunkMacs.MacsMac(t.Cipher())
	t.HasCurrentMetaMac = true
	if t.Size == 0 || t.CurrentMetaMac == t.MetaMac {
		t.Complete()
		return
	}
	s.logger.Warn("MAC verification failed for cached download")
	t.ChunkMacs.Clear()
	t.Failed(xfer.ErrKey, 0)
}

// checkDownloadFinished completes or fails the download once every byte is
// on disk. It reports whether the transfer reached a terminal state.
func (s *Slot) checkDownloadFinished(now time.Time) bool {
	t := s.t
	if t.ProgressCompleted != t.Size {
		return false
	}

	if t.ProgressCompleted > 0 {
		t.CurrentMetaMac = t.ChunkMacs.MacsMac(t.Cipher())
		t.HasCurrentMetaMac = true
	}

	if t.Size == 0 || t.CurrentMetaMac == t.MetaMac || s.checkMetaMacWithMissingLateEntries() {
		s.cacheAdd()
		s.reportFinal(now)
		t.Complete()
		return true
	}

	s.logger.Error("MAC verification failed", "expected", t.MetaMac, "computed", t.CurrentMetaMac)
	t.ChunkMacs.Clear()
	t.Failed(xfer.ErrKey, 0)
	return true
}

// checkMetaMacWithMissingLateEntries looks for up to two runs of extra
// entries near the end of the table whose omission reproduces MetaMac.
// Such entries are left behind when an interrupted write was accounted
// but a later restart refetched the range. On a match the table's full
// MAC-of-MACs becomes the expected value.
func (s *Slot) checkMetaMacWithMissingLateEntries() bool {
	t := s.t
	c := t.Cipher()
	macs := t.ChunkMacs.MACs()
	end := len(macs)

	match := func(g1, g2, g3, g4 int) bool {
		if chunkmac.FoldMACs(c, macs, g1, g2, g3, g4) != t.MetaMac {
			return false
		}
		correct := chunkmac.FoldMACs(c, macs, 0, 0, 0, 0)
		s.logger.Warn("MAC-of-MACs matched after leaving out late entries",
			"gap1", [2]int{g1, g2},
			"gap2", [2]int{g3, g4},
			"entries", end)
		t.CurrentMetaMac = correct
		t.HasCurrentMetaMac = true
		t.MetaMac = correct
		return true
	}

	for back := 1; back <= min(singleGapWindow, end); back++ {
		start := end - back
		for n := 1; n <= singleGapMaxLen && start+n <= end; n++ {
			if match(start, start+n, end, end) {
				return true
			}
		}
	}

	for start1 := end - min(doubleGapWindow, end); start1 < end; start1++ {
		for n1 := 1; n1 <= doubleGapMaxLen && start1+n1 <= end; n1++ {
			for start2 := start1 + n1 + 1; start2 < end; start2++ {
				for n2 := 1; n2 <= doubleGapMaxLen && start2+n2 <= end; n2++ {
					if match(start1, start1+n1, start2, start2+n2) {
						return true
					}
				}
			}
		}
	}
	return false
}
