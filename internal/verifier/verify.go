package verifier

import "sort"

// Verify checks that result is an exact partition of sequence numbers
// 0..Sent-1 across endpoints. Checks run in order: duplicates, unexpected
// sequence numbers, missing items. It has no side effects.
func Verify(r *DispatchResult) error {
	if r == nil {
		r = &DispatchResult{}
	}

	firstSeen := make(map[int64]int, r.Sent)
	dupEndpoints := map[int64][]int{}
	unexpected := map[int64][]int{}

	for _, ep := range r.Endpoints {
		for _, it := range ep.Items {
			if it.Seq < 0 || it.Seq >= int64(r.Sent) {
				unexpected[it.Seq] = append(unexpected[it.Seq], ep.ID)
				continue
			}
			if first, ok := firstSeen[it.Seq]; ok {
				if _, ok := dupEndpoints[it.Seq]; !ok {
					dupEndpoints[it.Seq] = []int{first}
				}
				dupEndpoints[it.Seq] = append(dupEndpoints[it.Seq], ep.ID)
				continue
			}
			firstSeen[it.Seq] = ep.ID
		}
	}

	if err := lowest(DuplicateItem, dupEndpoints); err != nil {
		return err
	}
	if err := lowest(UnexpectedItem, unexpected); err != nil {
		return err
	}

	var missing []int64
	for seq := int64(0); seq < int64(r.Sent); seq++ {
		if _, ok := firstSeen[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	if len(missing) > 0 {
		return &VerificationError{Kind: MissingItem, Seq: missing[0], Violations: len(missing)}
	}
	return nil
}

func lowest(kind Kind, bySeq map[int64][]int) error {
	if len(bySeq) == 0 {
		return nil
	}
	seqs := make([]int64, 0, len(bySeq))
	for s := range bySeq {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	s := seqs[0]
	return &VerificationError{Kind: kind, Seq: s, Endpoints: append([]int(nil), bySeq[s]...), Violations: len(seqs)}
}
