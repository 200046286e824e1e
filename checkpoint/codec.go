package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/atelierhq/conductor/types"
)

// maxCompressionRatio bounds decompressed/compressed size. A snapshot that
// expands beyond this ratio fails the integrity check instead of loading.
const maxCompressionRatio = 200

// encodeState serializes and compresses a state snapshot, returning the
// compressed bytes, the hex SHA-256 of the uncompressed JSON, and its size.
func encodeState(state *types.WorkflowState) ([]byte, string, int, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, "", 0, fmt.Errorf("marshal state: %w", err)
	}

	sum := sha256.Sum256(raw)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, "", 0, fmt.Errorf("compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("compress state: %w", err)
	}

	return buf.Bytes(), hex.EncodeToString(sum[:]), len(raw), nil
}

// decodeState decompresses and verifies a snapshot. Any mismatch between
// the stored hash or size record and the decoded bytes yields ErrCorrupted.
func decodeState(snapshot []byte, wantHash string, wantSize int) (*types.WorkflowState, error) {
	zr, err := gzip.NewReader(bytes.NewReader(snapshot))
	if err != nil {
		return nil, corruptionError("snapshot is not valid gzip", err)
	}
	defer zr.Close()

	// Bound the read so a corrupted or hostile snapshot cannot expand
	// unboundedly. One extra byte past the limit detects overflow.
	limit := int64(wantSize)
	if ratioLimit := int64(len(snapshot)) * maxCompressionRatio; ratioLimit > limit {
		limit = ratioLimit
	}
	raw, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, corruptionError("snapshot decompression failed", err)
	}
	if int64(len(raw)) > limit {
		return nil, corruptionError(
			fmt.Sprintf("snapshot expands past %d bytes, compression ratio violation", limit), nil)
	}
	if len(raw) != wantSize {
		return nil, corruptionError(
			fmt.Sprintf("snapshot size %d does not match recorded size %d", len(raw), wantSize), nil)
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != wantHash {
		return nil, corruptionError("snapshot hash mismatch", nil)
	}

	var state types.WorkflowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, corruptionError("snapshot is not valid state JSON", err)
	}
	return &state, nil
}

func corruptionError(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrCorrupted, msg)
}
