package toolreg

import (
	"bytes"
	"encoding/json"
	"io"
)

func toReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}
