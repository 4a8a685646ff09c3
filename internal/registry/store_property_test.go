package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any interleaving of registers and removes, the live count equals
// successful registers minus successful removes, and ids stay unique.
func TestStoreCountInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("count equals registers minus removes", prop.ForAll(
		func(ops []bool, ids []int) bool {
			s := NewStore()
			live := make(map[string]bool)

			n := len(ops)
			if len(ids) < n {
				n = len(ids)
			}
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("conn-%d", ids[i]%8)
				if ops[i] {
					_, err := s.Register(id, "websocket", "")
					if live[id] {
						// Second register for a live id must collide.
						if err == nil {
							return false
						}
					} else {
						if err != nil {
							return false
						}
						live[id] = true
					}
				} else {
					_, ok := s.Remove(id)
					if ok != live[id] {
						return false
					}
					delete(live, id)
				}
				if s.Count() != len(live) {
					return false
				}
			}

			// Every snapshot id is unique.
			seen := make(map[string]bool)
			for _, sess := range s.Snapshot() {
				if seen[sess.ID] {
					return false
				}
				seen[sess.ID] = true
			}
			return len(seen) == len(live)
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.IntRange(0, 63)),
	))

	properties.TestingRun(t)
}
