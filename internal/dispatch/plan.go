package dispatch

import (
	"iter"
	"net/mail"
)

// Batch is one leaf of the batch plan: every role holds at most the batch
// size limit.
type Batch struct {
	To  []*mail.Address
	Cc  []*mail.Address
	Bcc []*mail.Address
}

// Len returns the number of addresses across all roles.
func (b Batch) Len() int {
	return len(b.To) + len(b.Cc) + len(b.Bcc)
}

// Plan splits the three roles into batches of at most limit addresses per
// role. A limit of zero or less yields a single batch.
//
// Each role is checked independently against the limit. An oversized role
// is split into chunks and every chunk is combined with the other two roles
// unchanged, then each combination is planned again. When more than one
// role is oversized, the chunks of the second role are combined with the
// still unsplit first role, so recipients of the smaller roles appear in
// more than one batch.
//
// The sequence is restartable; each range over it replans from scratch.
func Plan(to, cc, bcc []*mail.Address, limit int) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		root := Batch{To: to, Cc: cc, Bcc: bcc}
		if limit <= 0 {
			yield(root)
			return
		}

		stack := []Batch{root}
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			var children []Batch
			if len(b.To) > limit {
				for _, c := range chunk(b.To, limit) {
					children = append(children, Batch{To: c, Cc: b.Cc, Bcc: b.Bcc})
				}
			}
			if len(b.Cc) > limit {
				for _, c := range chunk(b.Cc, limit) {
					children = append(children, Batch{To: b.To, Cc: c, Bcc: b.Bcc})
				}
			}
			if len(b.Bcc) > limit {
				for _, c := range chunk(b.Bcc, limit) {
					children = append(children, Batch{To: b.To, Cc: b.Cc, Bcc: c})
				}
			}

			if len(children) == 0 {
				if !yield(b) {
					return
				}
				continue
			}
			// Reverse push keeps depth-first, in-order emission.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
}

// chunk splits list into consecutive slices of at most size elements. An
// exact multiple of size produces no empty trailing chunk.
func chunk(list []*mail.Address, size int) [][]*mail.Address {
	out := make([][]*mail.Address, 0, (len(list)+size-1)/size)
	for start := 0; start < len(list); start += size {
		end := min(start+size, len(list))
		out = append(out, list[start:end:end])
	}
	return out
}
