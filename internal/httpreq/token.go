package httpreq

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// OldUploadTokenLen is the decoded length of an old-style token.
const OldUploadTokenLen = 27

// ParseUploadToken extracts the upload token from a response body. A body
// of UploadTokenLen bytes ending in 1 is a binary token; otherwise it must
// be base64url text of an old-style token.
func ParseUploadToken(in []byte) ([]byte, bool) {
	if len(in) != xfer.UploadTokenLen {
		return nil, false
	}
	token := make([]byte, xfer.UploadTokenLen)
	if in[xfer.UploadTokenLen-1] == 1 {
		copy(token, in)
		return token, true
	}
	n, err := base64.RawURLEncoding.Decode(token, in)
	if err != nil || n != OldUploadTokenLen {
		return nil, false
	}
	return token, true
}

// ParseServerError maps an upload response body that is not a token to a
// failure kind. The numeric code is returned for diagnostics.
func ParseServerError(in []byte) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(string(in)))
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected response %q", xfer.ErrServer, truncate(in, 64))
	}
	return code, xfer.FromCode(code)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
