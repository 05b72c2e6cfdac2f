//go:build property
// +build property

package receipt

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainCausalOrdering builds chains of arbitrary length and checks
// r2.parent_hash == hash(r1) implies r2.sequence == r1.sequence+1.
func TestChainCausalOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("linked receipts have consecutive sequences", prop.ForAll(
		func(ops []string) bool {
			b := NewBuilder(testSigner(t))
			var chain []*Receipt
			var parent *Link
			for _, op := range ops {
				r, err := b.Build(parent, draft("op."+op))
				if err != nil {
					return false
				}
				chain = append(chain, r)
				l := r.Link()
				parent = &l
			}
			for i := 1; i < len(chain); i++ {
				if chain[i].ParentHash == chain[i-1].Hash && chain[i].Sequence != chain[i-1].Sequence+1 {
					return false
				}
			}
			return len(chain) == 0 || ValidateChain(chain, StaticKey(testSigner(t).PublicKey())) == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestSingleByteTamper flips any byte of the output hash and expects
// verification to fail.
func TestSingleByteTamper(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	b := NewBuilder(testSigner(t))
	r, err := b.Build(nil, draft("op.tamper"))
	if err != nil {
		t.Fatal(err)
	}
	pub := testSigner(t).PublicKey()

	properties.Property("any flipped byte invalidates the receipt", prop.ForAll(
		func(pos int, mask uint8) bool {
			c := r.Clone()
			raw := []byte(c.OutputHash)
			raw[pos%len(raw)] ^= mask
			c.OutputHash = string(raw)
			return Verify(c, pub) != nil
		},
		gen.IntRange(0, 1<<16),
		gen.UInt8Range(1, 255),
	))

	properties.TestingRun(t)
}
