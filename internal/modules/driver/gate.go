// README: Verification gate that checks live, unexpired documents against the required set.
package driver

import "time"

type Readiness struct {
	Ready   bool
	Missing []DocType
}

// Evaluate checks documents against the required set. A document counts only
// while it is live and, when it has an expiry, expires strictly after now.
// Missing types are returned in RequiredDocTypes order.
func Evaluate(docs []Document, now time.Time) Readiness {
	have := make(map[DocType]bool, len(docs))
	for _, d := range docs {
		if !d.Live() {
			continue
		}
		if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			continue
		}
		have[d.Type] = true
	}
	r := Readiness{Ready: true}
	for _, t := range RequiredDocTypes {
		if !have[t] {
			r.Ready = false
			r.Missing = append(r.Missing, t)
		}
	}
	return r
}

func (r Readiness) MissingStrings() []string {
	out := make([]string, len(r.Missing))
	for i, t := range r.Missing {
		out[i] = string(t)
	}
	return out
}
