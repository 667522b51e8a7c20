package httpreq

import "fmt"

// Status is the lifecycle state of a Request. The slot engine owns every
// transition except InFlight to Success or Failure, which the round-trip
// goroutine performs, and Encrypting to Prepared or Decrypting to
// Decrypted, which a crypto worker performs.
type Status int32

const (
	StatusReady Status = iota
	StatusPrepared
	StatusInFlight
	StatusSuccess
	StatusFailure
	StatusEncrypting
	StatusDecrypting
	StatusDecrypted
	StatusAsyncIO
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusPrepared:
		return "prepared"
	case StatusInFlight:
		return "inflight"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusEncrypting:
		return "encrypting"
	case StatusDecrypting:
		return "decrypting"
	case StatusDecrypted:
		return "decrypted"
	case StatusAsyncIO:
		return "asyncio"
	case StatusDone:
		return "done"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}
