package segmentation

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDeltaNormalizesInput(t *testing.T) {
	delta, err := NewDelta("paint", []VoxelChange{{X: 1, Y: 2, Z: 3, Old: 0, New: 7}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.VoxelCount != 1 {
		t.Fatalf("expected voxel count 1, got %d", delta.VoxelCount)
	}
	if delta.Metadata == nil {
		t.Fatalf("expected metadata map to be initialized")
	}
}

func TestNewDeltaRejectsInvalidInput(t *testing.T) {
	if _, err := NewDelta("  ", []VoxelChange{{New: 1}}, nil); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta for blank action, got %v", err)
	}
	if _, err := NewDelta("paint", nil, nil); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta for empty changes, got %v", err)
	}
}

func TestEncodeDeltaRoundTripUncompressed(t *testing.T) {
	delta := mustDelta(t, "paint", []VoxelChange{
		{X: 0, Y: 0, Z: 0, Old: 0, New: 5},
		{X: 1, Y: 1, Z: 1, Old: 2, New: 9},
	}, map[string]string{"tool": "brush"})

	token, size, err := EncodeDelta(delta, true)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if strings.HasPrefix(token, "gzip:") {
		t.Fatalf("small delta should not be compressed")
	}
	if size != len(token) {
		t.Fatalf("expected size %d to match token length %d", size, len(token))
	}

	decoded, err := DecodeDelta(token)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	assertDeltasEqual(t, delta, decoded)
}

func TestEncodeDeltaRoundTripCompressed(t *testing.T) {
	changes := make([]VoxelChange, 2000)
	for i := range changes {
		changes[i] = VoxelChange{X: i % 64, Y: (i / 64) % 64, Z: i / 4096, Old: 0, New: (i % 9) + 1}
	}
	delta := mustDelta(t, "bulk_paint", changes, map[string]string{"tool": "flood_fill"})

	token, size, err := EncodeDelta(delta, true)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if !strings.HasPrefix(token, "gzip:") {
		t.Fatalf("expected large delta to be compressed")
	}
	uncompressedToken, uncompressedSize, err := EncodeDelta(delta, false)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if strings.HasPrefix(uncompressedToken, "gzip:") {
		t.Fatalf("compression disabled but token carries the marker")
	}
	if size >= uncompressedSize {
		t.Fatalf("expected compressed size %d to beat uncompressed %d", size, uncompressedSize)
	}

	decoded, err := DecodeDelta(token)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	assertDeltasEqual(t, delta, decoded)

	decodedPlain, err := DecodeDelta(uncompressedToken)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	assertDeltasEqual(t, delta, decodedPlain)
}

func TestDecodeDeltaRejectsCorruptTokens(t *testing.T) {
	if _, err := DecodeDelta("not json"); !errors.Is(err, ErrInvalidDeltaToken) {
		t.Fatalf("expected ErrInvalidDeltaToken for malformed json, got %v", err)
	}
	if _, err := DecodeDelta("gzip:%%%"); !errors.Is(err, ErrInvalidDeltaToken) {
		t.Fatalf("expected ErrInvalidDeltaToken for invalid base64, got %v", err)
	}
	if _, err := DecodeDelta("gzip:AQIDBA=="); !errors.Is(err, ErrInvalidDeltaToken) {
		t.Fatalf("expected ErrInvalidDeltaToken for invalid gzip payload, got %v", err)
	}
}

func TestDecodeDeltaRederivesVoxelCount(t *testing.T) {
	decoded, err := DecodeDelta(`{"action":"paint","voxel_changes":[{"x":0,"y":0,"z":0,"old":0,"new":3}],"voxel_count":99}`)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.VoxelCount != 1 {
		t.Fatalf("expected voxel count to be rederived as 1, got %d", decoded.VoxelCount)
	}
	if decoded.Metadata == nil {
		t.Fatalf("expected metadata map to be initialized")
	}
}

func assertDeltasEqual(t *testing.T, expected, actual Delta) {
	t.Helper()
	if actual.Action != expected.Action {
		t.Fatalf("action mismatch: %s vs %s", actual.Action, expected.Action)
	}
	if actual.VoxelCount != expected.VoxelCount {
		t.Fatalf("voxel count mismatch: %d vs %d", actual.VoxelCount, expected.VoxelCount)
	}
	if len(actual.VoxelChanges) != len(expected.VoxelChanges) {
		t.Fatalf("change count mismatch: %d vs %d", len(actual.VoxelChanges), len(expected.VoxelChanges))
	}
	for i := range expected.VoxelChanges {
		if actual.VoxelChanges[i] != expected.VoxelChanges[i] {
			t.Fatalf("change %d mismatch: %+v vs %+v", i, actual.VoxelChanges[i], expected.VoxelChanges[i])
		}
	}
	if len(actual.Metadata) != len(expected.Metadata) {
		t.Fatalf("metadata size mismatch: %d vs %d", len(actual.Metadata), len(expected.Metadata))
	}
	for key, value := range expected.Metadata {
		if actual.Metadata[key] != value {
			t.Fatalf("metadata %s mismatch: %s vs %s", key, actual.Metadata[key], value)
		}
	}
}
