package dispatch

import (
	"fmt"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(prefix string, n int) []*mail.Address {
	out := make([]*mail.Address, n)
	for i := range out {
		out[i] = &mail.Address{Address: fmt.Sprintf("%s%d@example.com", prefix, i)}
	}
	return out
}

func collect(to, cc, bcc []*mail.Address, limit int) []Batch {
	var out []Batch
	for b := range Plan(to, cc, bcc, limit) {
		out = append(out, b)
	}
	return out
}

func TestPlanSingleBatchWithinLimit(t *testing.T) {
	t.Parallel()

	batches := collect(addrs("to", 200), addrs("cc", 200), addrs("bcc", 3), 200)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].To, 200)
	assert.Len(t, batches[0].Cc, 200)
	assert.Len(t, batches[0].Bcc, 3)
}

func TestPlanSplitsOneRole(t *testing.T) {
	t.Parallel()

	cc := addrs("cc", 5)
	bcc := addrs("bcc", 2)
	batches := collect(addrs("to", 450), cc, bcc, 200)

	require.Len(t, batches, 3)
	sizes := []int{200, 200, 50}
	seen := make(map[string]bool)
	for i, b := range batches {
		assert.Len(t, b.To, sizes[i])
		// Every batch carries the full, unsplit CC and BCC.
		assert.Equal(t, cc, b.Cc)
		assert.Equal(t, bcc, b.Bcc)
		for _, a := range b.To {
			assert.False(t, seen[a.Address], "duplicate TO %s", a.Address)
			seen[a.Address] = true
		}
	}
	assert.Len(t, seen, 450)
}

func TestPlanExactMultipleHasNoEmptyChunk(t *testing.T) {
	t.Parallel()

	batches := collect(nil, addrs("cc", 400), nil, 200)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Len(t, b.Cc, 200)
	}
}

func TestPlanSeveralOversizedRolesDuplicate(t *testing.T) {
	t.Parallel()

	to := addrs("to", 201)
	cc := addrs("cc", 201)
	batches := collect(to, cc, nil, 200)

	// TO chunks each split CC (2x2), then CC chunks with the unsplit TO
	// each split TO again (2x2).
	require.Len(t, batches, 8)

	counts := make(map[string]int)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.To), 200)
		assert.LessOrEqual(t, len(b.Cc), 200)
		for _, a := range b.Cc {
			counts[a.Address]++
		}
	}
	assert.Equal(t, 4, counts["cc0@example.com"])
}

func TestPlanNoLimit(t *testing.T) {
	t.Parallel()

	batches := collect(addrs("to", 1000), nil, nil, 0)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].To, 1000)
}

func TestPlanRestartableAndStoppable(t *testing.T) {
	t.Parallel()

	seq := Plan(addrs("to", 1000), nil, nil, 100)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
		if second == 3 {
			break
		}
	}
	assert.Equal(t, 10, first)
	assert.Equal(t, 3, second)
}

func TestChunk(t *testing.T) {
	t.Parallel()

	chunks := chunk(addrs("a", 5), 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)

	// Appending to a chunk must not clobber the next one.
	chunks[0] = append(chunks[0], &mail.Address{Address: "x@example.com"})
	assert.Equal(t, "a2@example.com", chunks[1][0].Address)

	assert.Empty(t, chunk(nil, 2))
}
