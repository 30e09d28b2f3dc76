package pipeline

import "github.com/JakeFAU/notam-pipeline/internal/notice"

// SelectPending decides which loaded notices to classify. New notices (hash
// not in existing) and forced notices are kept; with onlyForced, only forced
// ones. Repeated fingerprints keep their first occurrence and notices without
// text are dropped.
func SelectPending(raws []notice.Raw, existing, forced map[string]struct{}, onlyForced bool) []notice.Pending {
	out := make([]notice.Pending, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, r := range raws {
		if !r.Usable() {
			continue
		}
		p := notice.NewPending(r)
		if _, dup := seen[p.Hash]; dup {
			continue
		}
		_, isForced := forced[p.Hash]
		if onlyForced {
			if !isForced {
				continue
			}
		} else if _, stored := existing[p.Hash]; stored && !isForced {
			continue
		}
		seen[p.Hash] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Hashes fingerprints every usable notice.
func Hashes(raws []notice.Raw) []string {
	out := make([]string, 0, len(raws))
	for _, r := range raws {
		if r.Usable() {
			out = append(out, r.Fingerprint())
		}
	}
	return out
}
