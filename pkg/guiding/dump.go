package guiding

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/igorawratu/practical-path-guiding/pkg/core"
)

// WriteSDTree serializes the tree's sampling distributions in the .sdt
// layout: a 16-float camera-to-world matrix, then for every spatial
// leaf that has received samples its voxel origin and size, the mean
// radiance, the statistical weight, the node count, and per quad node
// four (sum, child) pairs. Empty child slots serialize as index 0, the
// root, which readers treat as no child. All values are little-endian.
func WriteSDTree(w io.Writer, cameraMatrix [16]float32, tree *SpatialTree) error {
	bw := bufio.NewWriter(w)

	var err error
	put := func(v any) {
		if err == nil {
			err = binary.Write(bw, binary.LittleEndian, v)
		}
	}

	for _, m := range cameraMatrix {
		put(m)
	}

	tree.ForEachLeafBounds(func(d *DistributionSet, origin, size core.Vec3) {
		if !(d.StatisticalWeight() > 0) {
			return
		}

		put(float32(origin.X))
		put(float32(origin.Y))
		put(float32(origin.Z))
		put(float32(size.X))
		put(float32(size.Y))
		put(float32(size.Z))
		put(float32(d.MeanRadiance()))
		put(uint64(d.StatisticalWeight()))
		put(uint64(d.NumNodes()))

		sampling := d.SamplingTree()
		for i := 0; i < sampling.NumNodes(); i++ {
			node := sampling.Node(i)
			for q := 0; q < 4; q++ {
				put(float32(node.Sum(q)))
				child := node.Child(q)
				if child == noChild {
					child = 0
				}
				put(uint16(child))
			}
		}
	})

	if err != nil {
		return errors.New("writing guiding tree dump failed").Wrap(err)
	}
	if err := bw.Flush(); err != nil {
		return errors.New("flushing guiding tree dump failed").Wrap(err)
	}
	return nil
}
