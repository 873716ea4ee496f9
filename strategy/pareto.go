package strategy

// updatePareto inserts (n, score, aux) into pf if it is not dominated by any
// existing entry, removing any existing entries it dominates. An entry a
// dominates b when a.score >= b.score and a.aux >= b.aux with at least one
// strict, matching the original's two-metric Pareto maintenance.
func updatePareto(pf []ParetoEntry, n uint64, score uint32, aux *uint64) []ParetoEntry {
	auxVal := auxOrZero(aux)

	var dominatedIdx []int
	for i, e := range pf {
		eAux := auxOrZero(e.Aux)
		if e.Score >= score && eAux >= auxVal && (e.Score > score || eAux > auxVal) {
			return pf
		}
		if score >= e.Score && auxVal >= eAux && (score > e.Score || auxVal > eAux) {
			dominatedIdx = append(dominatedIdx, i)
		}
		if e.Score == score && eAux == auxVal && e.N == n {
			return pf
		}
	}

	if len(dominatedIdx) > 0 {
		kept := pf[:0:0]
		dominated := make(map[int]struct{}, len(dominatedIdx))
		for _, i := range dominatedIdx {
			dominated[i] = struct{}{}
		}
		for i, e := range pf {
			if _, ok := dominated[i]; !ok {
				kept = append(kept, e)
			}
		}
		pf = kept
	}
	return append(pf, ParetoEntry{N: n, Score: score, Aux: aux})
}

func auxOrZero(aux *uint64) uint64 {
	if aux == nil {
		return 0
	}
	return *aux
}
