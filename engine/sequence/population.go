package sequence

import "sort"

// Population is the set of live Sequences the Engine owns, partitioned by
// State. It replaces runner/llamarunner.Server's fixed-size []*Sequence
// array with a dynamically sized set, as required to support the
// Waiting/Running/Preempted population model of spec.md §3.
type Population struct {
	byID map[string]*Sequence

	nextRank uint64
}

func NewPopulation() *Population {
	return &Population{byID: make(map[string]*Sequence)}
}

// Admit assigns the next FIFO arrival_rank and inserts seq in the Waiting
// state.
func (p *Population) Admit(seq *Sequence) {
	seq.ArrivalRank = p.nextRank
	p.nextRank++
	seq.State = Waiting
	p.byID[seq.RequestID] = seq
}

func (p *Population) Get(id string) (*Sequence, bool) {
	s, ok := p.byID[id]
	return s, ok
}

func (p *Population) Remove(id string) {
	delete(p.byID, id)
}

func (p *Population) Len() int { return len(p.byID) }

// All returns every live sequence; order is unspecified.
func (p *Population) All() []*Sequence {
	out := make([]*Sequence, 0, len(p.byID))
	for _, s := range p.byID {
		out = append(out, s)
	}
	return out
}

// ByState returns sequences in the given state, ordered by ArrivalRank
// ascending (FIFO), with RequestID as the deterministic tiebreak for equal
// ranks (spec.md §4.5, "Tie-breaks").
func (p *Population) ByState(states ...State) []*Sequence {
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	out := make([]*Sequence, 0)
	for _, s := range p.byID {
		if want[s.State] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ArrivalRank != out[j].ArrivalRank {
			return out[i].ArrivalRank < out[j].ArrivalRank
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
