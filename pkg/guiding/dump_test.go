package guiding

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

func TestWriteSDTreeSkipsUnsampledLeaves(t *testing.T) {
	tree := unitTree()
	var buf bytes.Buffer

	err := WriteSDTree(&buf, [16]float32{}, tree)
	require.NoError(t, err)

	// Only the camera matrix; the single leaf has no samples yet.
	require.Equal(t, 64, buf.Len())
}

func TestWriteSDTreeSingleLeafLayout(t *testing.T) {
	tree := unitTree()
	tree.Lookup(core.NewVec3(0.5, 0.5, 0.5)).SamplingTree().SetStatisticalWeight(5)

	var matrix [16]float32
	for i := range matrix {
		matrix[i] = float32(i)
	}

	var buf bytes.Buffer
	err := WriteSDTree(&buf, matrix, tree)
	require.NoError(t, err)

	// 64-byte matrix, then one leaf: 7 float32 fields, 2 uint64
	// counters, and one quad node of 4 (float32, uint16) pairs.
	require.Equal(t, 64+28+16+24, buf.Len())

	r := bytes.NewReader(buf.Bytes())

	var gotMatrix [16]float32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &gotMatrix))
	require.Equal(t, matrix, gotMatrix)

	var origin, size [3]float32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &origin))
	require.NoError(t, binary.Read(r, binary.LittleEndian, &size))
	require.Equal(t, [3]float32{0, 0, 0}, origin)
	require.Equal(t, [3]float32{1, 1, 1}, size)

	var mean float32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &mean))
	require.Equal(t, float32(0), mean)

	var statWeight, nodeCount uint64
	require.NoError(t, binary.Read(r, binary.LittleEndian, &statWeight))
	require.NoError(t, binary.Read(r, binary.LittleEndian, &nodeCount))
	require.Equal(t, uint64(5), statWeight)
	require.Equal(t, uint64(1), nodeCount)

	for q := 0; q < 4; q++ {
		var sum float32
		var child uint16
		require.NoError(t, binary.Read(r, binary.LittleEndian, &sum))
		require.NoError(t, binary.Read(r, binary.LittleEndian, &child))
		require.Equal(t, float32(0), sum)
		require.Equal(t, uint16(0), child)
	}

	require.Equal(t, 0, r.Len())
}
