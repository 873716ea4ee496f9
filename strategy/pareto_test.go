package strategy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64p(v uint64) *uint64 { return &v }

func TestUpdateParetoDropsDominatedEntries(t *testing.T) {
	var pf []ParetoEntry
	pf = updatePareto(pf, 1, 5, u64p(10))
	pf = updatePareto(pf, 2, 7, u64p(20))
	require.Len(t, pf, 1, "entry (5,10) is strictly dominated by (7,20) and must be dropped")
	assert.Equal(t, uint64(2), pf[0].N)
}

func TestUpdateParetoKeepsIncomparableEntries(t *testing.T) {
	var pf []ParetoEntry
	pf = updatePareto(pf, 1, 10, u64p(1))
	pf = updatePareto(pf, 2, 1, u64p(10))
	assert.Len(t, pf, 2, "neither entry dominates the other on both metrics")
}

func TestUpdateParetoIgnoresExactDuplicate(t *testing.T) {
	var pf []ParetoEntry
	pf = updatePareto(pf, 1, 10, u64p(5))
	pf = updatePareto(pf, 1, 10, u64p(5))
	assert.Len(t, pf, 1)
}

// TestUpdateParetoFrontierIsNonDominatedProperty checks that, for any
// sequence of (score, aux) candidates fed through updatePareto, the
// resulting frontier never contains one entry dominating another.
func TestUpdateParetoFrontierIsNonDominatedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no entry in the resulting frontier dominates another", prop.ForAll(
		func(scores []uint16, auxes []uint16) bool {
			var pf []ParetoEntry
			n := len(scores)
			if len(auxes) < n {
				n = len(auxes)
			}
			for i := 0; i < n; i++ {
				aux := uint64(auxes[i])
				pf = updatePareto(pf, uint64(i+1), uint32(scores[i]), &aux)
			}
			for i := range pf {
				for j := range pf {
					if i == j {
						continue
					}
					a, b := pf[i], pf[j]
					aAux, bAux := auxOrZero(a.Aux), auxOrZero(b.Aux)
					if a.Score >= b.Score && aAux >= bAux && (a.Score > b.Score || aAux > bAux) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16Range(0, 50)),
		gen.SliceOf(gen.UInt16Range(0, 50)),
	))

	properties.TestingRun(t)
}
