package stratum

import "strings"

type shareKey struct {
	jobID       string
	extranonce2 string
	ntime       string
	nonce       string
}

func newShareKey(req *SubmitRequest) shareKey {
	return shareKey{
		jobID:       req.JobID,
		extranonce2: strings.ToLower(req.ExtraNonce2),
		ntime:       strings.ToLower(req.NTime),
		nonce:       strings.ToLower(req.Nonce),
	}
}

// duplicateSet remembers submissions per job. It is owned by one session.
type duplicateSet struct {
	seen map[shareKey]struct{}
}

func newDuplicateSet() *duplicateSet {
	return &duplicateSet{seen: make(map[shareKey]struct{})}
}

// observe records key and reports whether it was already present.
func (d *duplicateSet) observe(key shareKey) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// prune drops entries for jobs that can no longer be submitted against.
func (d *duplicateSet) prune(live func(jobID string) bool) int {
	removed := 0
	alive := make(map[string]bool)
	for key := range d.seen {
		ok, cached := alive[key.jobID]
		if !cached {
			ok = live(key.jobID)
			alive[key.jobID] = ok
		}
		if !ok {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

func (d *duplicateSet) len() int {
	return len(d.seen)
}
