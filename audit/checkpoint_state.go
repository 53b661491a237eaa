package audit

import (
	"encoding/json"

	"go.elspeth.dev/canon"
)

// checkpointStateJSON canonicalizes the per-aggregation-node state blobs into
// a single JSON object keyed by node ID, so the checkpoint row's content hash
// is reproducible across processes.
func checkpointStateJSON(state map[ID][]byte) ([]byte, error) {
	raw := make(map[string]any, len(state))
	for nodeID, blob := range state {
		raw[nodeID] = blob
	}
	return canon.JSON(raw)
}

// decodeCheckpointState reverses checkpointStateJSON: each value round-trips
// through JSON as a base64 string (encoding/json's standard []byte handling),
// which canon.JSON's own normalize pass preserves, so a plain json.Unmarshal
// into map[ID][]byte recovers the original blobs.
func decodeCheckpointState(raw []byte) (map[ID][]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var state map[ID][]byte
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}
