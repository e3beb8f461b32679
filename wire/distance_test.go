package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polistern/pboted/pkg/utils"
)

func TestXORIsAMetric(t *testing.T) {
	t.Parallel()

	a := utils.Sha256([]byte("a"))
	b := utils.Sha256([]byte("b"))
	c := utils.Sha256([]byte("c"))

	// d(x, x) = 0 and d(a, b) = 0 only for a = b.
	assert.True(t, XOR(a, a).IsZero())
	assert.False(t, XOR(a, b).IsZero())

	// Symmetry.
	assert.Equal(t, XOR(a, b), XOR(b, a))

	// Triangle inequality via the XOR identity: d(a, c) = d(a, b) XOR
	// d(b, c), and x XOR y never exceeds x + y bytewise-carry-free;
	// verify on the byte level.
	ab, bc, ac := XOR(a, b), XOR(b, c), XOR(a, c)
	for i := range ac {
		assert.Equal(t, ab[i]^bc[i], ac[i])
	}
}

func TestDistanceOrdering(t *testing.T) {
	t.Parallel()

	var near, far Distance
	near[31] = 1
	far[0] = 1

	assert.True(t, near.Less(far))
	assert.False(t, far.Less(near))
	assert.False(t, near.Less(near))
}
