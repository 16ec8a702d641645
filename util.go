package quecho

import (
	"fmt"
	"io"
)

// readToEnd reads r until EOF. It fails with ErrRequestTooLarge as soon as
// more than limit bytes arrive, without waiting for the end of the stream.
func readToEnd(r io.Reader, limit int) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, streamError(ErrRead, err)
	}
	if len(buf) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrRequestTooLarge, limit)
	}
	return buf, nil
}
