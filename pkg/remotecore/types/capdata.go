package types

import "encoding/json"

// CapData is a serialized method-call payload. Slots hold ERefs that the
// body's encoding references positionally; the body itself is opaque to
// this module.
type CapData struct {
	Body  json.RawMessage `json:"body"`
	Slots []ERef          `json:"slots"`
}
