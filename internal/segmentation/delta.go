package segmentation

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// compressionThresholdBytes is the serialized size beyond which encoded
	// deltas are gzip-compressed when compression is requested.
	compressionThresholdBytes = 10 * 1024
	// compressedTokenPrefix marks a compressed token so decode can detect it.
	compressedTokenPrefix = "gzip:"
)

var (
	// ErrInvalidDelta indicates a delta payload that cannot be used.
	ErrInvalidDelta = errors.New("segmentation: invalid delta")
	// ErrInvalidDeltaToken indicates an encoded token that cannot be decoded.
	ErrInvalidDeltaToken = errors.New("segmentation: invalid delta token")
)

// VoxelChange records one voxel overwrite: the coordinate, the value the
// client observed before the edit, and the value to write. Old is advisory
// only; application never compares against it.
type VoxelChange struct {
	X   int `json:"x"`
	Y   int `json:"y"`
	Z   int `json:"z"`
	Old int `json:"old"`
	New int `json:"new"`
}

// Delta is one incremental edit: an action tag, an ordered list of voxel
// changes, and free-form tool metadata. Deltas are transient value objects;
// they persist only in encoded form inside an Edit.
type Delta struct {
	Action       string            `json:"action"`
	VoxelChanges []VoxelChange     `json:"voxel_changes"`
	VoxelCount   int               `json:"voxel_count"`
	Metadata     map[string]string `json:"metadata"`
}

// NewDelta builds a normalized delta with its derived voxel count.
func NewDelta(action string, changes []VoxelChange, metadata map[string]string) (Delta, error) {
	if strings.TrimSpace(action) == "" {
		return Delta{}, fmt.Errorf("%w: empty action", ErrInvalidDelta)
	}
	if len(changes) == 0 {
		return Delta{}, fmt.Errorf("%w: no voxel changes", ErrInvalidDelta)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Delta{
		Action:       action,
		VoxelChanges: changes,
		VoxelCount:   len(changes),
		Metadata:     metadata,
	}, nil
}

// EncodeDelta serializes a delta to its canonical compact token and reports
// the stored size in bytes. When compression is requested and the serialized
// form exceeds the threshold, the token is gzip-compressed, base64-wrapped,
// and prefixed so DecodeDelta can reverse it transparently. The returned
// size is the size of the stored representation, post-compression when
// compression applied.
func EncodeDelta(delta Delta, compress bool) (string, int, error) {
	serialized, err := json.Marshal(delta)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}

	if !compress || len(serialized) <= compressionThresholdBytes {
		return string(serialized), len(serialized), nil
	}

	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	if _, err := writer.Write(serialized); err != nil {
		return "", 0, err
	}
	if err := writer.Close(); err != nil {
		return "", 0, err
	}

	token := compressedTokenPrefix + base64.StdEncoding.EncodeToString(compressed.Bytes())
	return token, compressed.Len(), nil
}

// DecodeDelta parses an encoded token back into a delta, reversing
// compression when the token carries the compression marker.
func DecodeDelta(token string) (Delta, error) {
	serialized := []byte(token)
	if strings.HasPrefix(token, compressedTokenPrefix) {
		compressed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, compressedTokenPrefix))
		if err != nil {
			return Delta{}, fmt.Errorf("%w: invalid base64", ErrInvalidDeltaToken)
		}
		reader, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return Delta{}, fmt.Errorf("%w: invalid gzip stream", ErrInvalidDeltaToken)
		}
		serialized, err = io.ReadAll(reader)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: truncated gzip stream", ErrInvalidDeltaToken)
		}
		if err := reader.Close(); err != nil {
			return Delta{}, fmt.Errorf("%w: corrupt gzip stream", ErrInvalidDeltaToken)
		}
	}

	var delta Delta
	if err := json.Unmarshal(serialized, &delta); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrInvalidDeltaToken, err)
	}
	if delta.Metadata == nil {
		delta.Metadata = map[string]string{}
	}
	delta.VoxelCount = len(delta.VoxelChanges)
	return delta, nil
}
