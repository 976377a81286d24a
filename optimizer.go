package memcache

import "slices"

// DefaultMergeFactor is the maximum number of keys coalesced into one get.
const DefaultMergeFactor = 50

// mergeGets coalesces runs of consecutive standalone single-key gets into
// merge carriers of at most factor keys. Runs of one are left alone. The
// result reuses batch's backing array.
func mergeGets(batch []*Command, factor int) []*Command {
	if factor < 2 || len(batch) < 2 {
		return batch
	}

	out := batch[:0]
	for i := 0; i < len(batch); {
		j := i
		for j < len(batch) && j-i < factor && mergeable(batch[j]) {
			j++
		}

		if j-i < 2 {
			out = append(out, batch[i])
			i++
			continue
		}

		out = append(out, newMergeCarrier(slices.Clone(batch[i:j])))
		i = j
	}
	return out
}

func mergeable(cmd *Command) bool {
	return cmd.Type == CmdGet && cmd.MergeCount < 0
}
