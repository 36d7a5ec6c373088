package notes

import (
	"encoding/base64"
	"fmt"

	"github.com/plumenotehq/plumenote/internal/collab"
)

// decodeDocStateB64 parses a base64-encoded structured document state.
// An empty payload yields a nil state.
func decodeDocStateB64(payload string) (*collab.State, error) {
	if payload == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("doc state payload: %w", err)
	}
	return collab.DecodeState(raw)
}

// encodeDocState renders a state as raw bytes and their base64 form.
func encodeDocState(state *collab.State) ([]byte, string, error) {
	if state == nil {
		return nil, "", nil
	}
	raw, err := state.Encode()
	if err != nil {
		return nil, "", err
	}
	return raw, base64.StdEncoding.EncodeToString(raw), nil
}
