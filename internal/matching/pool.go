package matching

import "container/list"

type waitingEntry struct {
	profile *Profile
	seq     uint64
}

// Pool holds profiles that have not been matched yet, bucketed by the gender
// they present as. Each bucket is insertion ordered. Pool is not safe for
// concurrent use; the Engine serializes access.
type Pool struct {
	buckets map[Gender]*list.List
	index   map[string]*list.Element
	seq     uint64
}

// bucketOrder is the fixed scan order used when a seeker accepts everyone.
var bucketOrder = []Gender{Male, Female, Both}

// NewPool creates an empty waiting pool.
func NewPool() *Pool {
	p := &Pool{
		buckets: make(map[Gender]*list.List, len(bucketOrder)),
		index:   make(map[string]*list.Element),
	}
	for _, g := range bucketOrder {
		p.buckets[g] = list.New()
	}
	return p
}

// Enqueue appends profile to the tail of its gender bucket. It returns false
// without touching the pool if the connection is already waiting.
func (p *Pool) Enqueue(profile *Profile) bool {
	if _, ok := p.index[profile.ConnID]; ok {
		return false
	}
	p.seq++
	el := p.buckets[profile.Gender].PushBack(&waitingEntry{profile: profile, seq: p.seq})
	p.index[profile.ConnID] = el
	return true
}

// DequeueCompatible removes and returns the oldest waiting profile that is
// compatible with seeker, or nil. Only the buckets seeker's preference
// admits are scanned. Across buckets the earliest enqueued candidate wins.
func (p *Pool) DequeueCompatible(seeker *Profile) *Profile {
	var best *list.Element
	for _, g := range scanBuckets(seeker.Preference) {
		for el := p.buckets[g].Front(); el != nil; el = el.Next() {
			w := el.Value.(*waitingEntry)
			if !Compatible(seeker, w.profile) {
				continue
			}
			if best == nil || w.seq < best.Value.(*waitingEntry).seq {
				best = el
			}
			// Later entries in this bucket are younger.
			break
		}
	}
	if best == nil {
		return nil
	}
	w := best.Value.(*waitingEntry)
	p.buckets[w.profile.Gender].Remove(best)
	delete(p.index, w.profile.ConnID)
	return w.profile
}

// Remove drops connID from whichever bucket holds it. It returns false if
// the connection was not waiting.
func (p *Pool) Remove(connID string) bool {
	el, ok := p.index[connID]
	if !ok {
		return false
	}
	w := el.Value.(*waitingEntry)
	p.buckets[w.profile.Gender].Remove(el)
	delete(p.index, connID)
	return true
}

// Contains reports whether connID is waiting.
func (p *Pool) Contains(connID string) bool {
	_, ok := p.index[connID]
	return ok
}

// Len returns the total number of waiting profiles.
func (p *Pool) Len() int {
	return len(p.index)
}

// Waiting lists the connection ids in bucket g, oldest first.
func (p *Pool) Waiting(g Gender) []string {
	b, ok := p.buckets[g]
	if !ok {
		return nil
	}
	ids := make([]string, 0, b.Len())
	for el := b.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*waitingEntry).profile.ConnID)
	}
	return ids
}

func scanBuckets(preference Gender) []Gender {
	switch preference {
	case Male:
		return bucketOrder[:1]
	case Female:
		return bucketOrder[1:2]
	}
	return bucketOrder
}
