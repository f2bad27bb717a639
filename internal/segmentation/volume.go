package segmentation

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidVolume indicates that volume dimensions or container bytes are unusable.
	ErrInvalidVolume = errors.New("segmentation: invalid volume")
	// ErrVoxelOutOfBounds indicates a voxel coordinate outside the volume grid.
	ErrVoxelOutOfBounds = errors.New("segmentation: voxel out of bounds")
	// ErrLabelOutOfRange indicates a label value that does not fit the voxel width.
	ErrLabelOutOfRange = errors.New("segmentation: label out of range")
)

// volumeMagic identifies the serialized volume container.
var volumeMagic = [4]byte{'A', 'V', 'X', '1'}

const (
	volumeHeaderSize = 16
	maxLabelValue    = 0xFFFF
)

// Volume is a dense 3-D label grid stored as a flat buffer in x-major,
// then y, then z order. Voxel labels are 16-bit.
type Volume struct {
	dimX int
	dimY int
	dimZ int
	data []uint16
}

// NewVolume allocates a zeroed volume with the given dimensions.
func NewVolume(dimX, dimY, dimZ int) (*Volume, error) {
	if dimX <= 0 || dimY <= 0 || dimZ <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d", ErrInvalidVolume, dimX, dimY, dimZ)
	}
	return &Volume{
		dimX: dimX,
		dimY: dimY,
		dimZ: dimZ,
		data: make([]uint16, dimX*dimY*dimZ),
	}, nil
}

// Dimensions returns the grid extents.
func (v *Volume) Dimensions() (int, int, int) {
	return v.dimX, v.dimY, v.dimZ
}

// At returns the label at the given coordinate.
func (v *Volume) At(x, y, z int) (uint16, error) {
	index, err := v.index(x, y, z)
	if err != nil {
		return 0, err
	}
	return v.data[index], nil
}

// Set overwrites the label at the given coordinate.
func (v *Volume) Set(x, y, z int, label uint16) error {
	index, err := v.index(x, y, z)
	if err != nil {
		return err
	}
	v.data[index] = label
	return nil
}

// Clone returns an independent copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]uint16, len(v.data))
	copy(data, v.data)
	return &Volume{dimX: v.dimX, dimY: v.dimY, dimZ: v.dimZ, data: data}
}

func (v *Volume) index(x, y, z int) (int, error) {
	if x < 0 || x >= v.dimX || y < 0 || y >= v.dimY || z < 0 || z >= v.dimZ {
		return 0, fmt.Errorf("%w: (%d,%d,%d) in %dx%dx%d", ErrVoxelOutOfBounds, x, y, z, v.dimX, v.dimY, v.dimZ)
	}
	return (x*v.dimY+y)*v.dimZ + z, nil
}

// Encode serializes the volume into its container format: a fixed header
// (magic, three little-endian uint32 dimensions) followed by the voxel
// payload as little-endian uint16 values. The encoding is deterministic:
// identical volumes always produce byte-identical output.
func (v *Volume) Encode() []byte {
	encoded := make([]byte, volumeHeaderSize+2*len(v.data))
	copy(encoded[0:4], volumeMagic[:])
	binary.LittleEndian.PutUint32(encoded[4:8], uint32(v.dimX))
	binary.LittleEndian.PutUint32(encoded[8:12], uint32(v.dimY))
	binary.LittleEndian.PutUint32(encoded[12:16], uint32(v.dimZ))
	for i, label := range v.data {
		binary.LittleEndian.PutUint16(encoded[volumeHeaderSize+2*i:], label)
	}
	return encoded
}

// DecodeVolume parses a serialized volume container.
func DecodeVolume(encoded []byte) (*Volume, error) {
	if len(encoded) < volumeHeaderSize {
		return nil, fmt.Errorf("%w: container truncated at %d bytes", ErrInvalidVolume, len(encoded))
	}
	if [4]byte(encoded[0:4]) != volumeMagic {
		return nil, fmt.Errorf("%w: bad container magic", ErrInvalidVolume)
	}

	dimX := int(binary.LittleEndian.Uint32(encoded[4:8]))
	dimY := int(binary.LittleEndian.Uint32(encoded[8:12]))
	dimZ := int(binary.LittleEndian.Uint32(encoded[12:16]))

	volume, err := NewVolume(dimX, dimY, dimZ)
	if err != nil {
		return nil, err
	}
	expected := volumeHeaderSize + 2*len(volume.data)
	if len(encoded) != expected {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidVolume, len(encoded), expected)
	}
	for i := range volume.data {
		volume.data[i] = binary.LittleEndian.Uint16(encoded[volumeHeaderSize+2*i:])
	}
	return volume, nil
}

// ApplyDelta overwrites voxels in place using the delta's change records.
// The recorded previous values are ignored: the last delta applied in log
// order wins for a coordinate, with no compare-and-swap.
func (v *Volume) ApplyDelta(delta Delta) error {
	for _, change := range delta.VoxelChanges {
		if change.New < 0 || change.New > maxLabelValue {
			return fmt.Errorf("%w: %d", ErrLabelOutOfRange, change.New)
		}
		if err := v.Set(change.X, change.Y, change.Z, uint16(change.New)); err != nil {
			return err
		}
	}
	return nil
}
