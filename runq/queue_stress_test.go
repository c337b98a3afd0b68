package runq

import (
	"math/rand"
	"testing"

	"schedcore/constants"
)

// model is a naive reference run queue.
type model struct {
	levels [constants.NRQS][]Handle
}

func (m *model) high() int {
	for p := constants.MaxPri; p >= 0; p-- {
		if len(m.levels[p]) > 0 {
			return p
		}
	}
	return constants.NoPri
}

func (m *model) remove(h Handle) bool {
	for p := range m.levels {
		for i, x := range m.levels[p] {
			if x == h {
				m.levels[p] = append(m.levels[p][:i], m.levels[p][i+1:]...)
				return true
			}
		}
	}
	return false
}

// TestStressAgainstModel checks HighQ, Count and dequeue order against a
// naive model over random operation sequences.
func TestStressAgainstModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := New()
	m := &model{}
	queued := map[Handle]bool{}
	count := 0
	for i := 0; i < 50000; i++ {
		h := Handle(rng.Intn(256))
		switch op := rng.Intn(4); {
		case op <= 1 && !queued[h]:
			pri := rng.Intn(constants.NRQS)
			opt := Option(rng.Intn(2))
			wantRaise := pri > m.high()
			if opt == TailQ {
				m.levels[pri] = append(m.levels[pri], h)
			} else {
				m.levels[pri] = append([]Handle{h}, m.levels[pri]...)
			}
			if got := q.Enqueue(h, pri, opt); got != wantRaise {
				t.Fatalf("step %d: Enqueue raised = %v, want %v", i, got, wantRaise)
			}
			queued[h] = true
			count++
		case op == 2:
			hp := m.high()
			got, ok := q.Dequeue(TailQ)
			if hp == constants.NoPri {
				if ok {
					t.Fatalf("step %d: dequeue from empty returned %d", i, got)
				}
				continue
			}
			want := m.levels[hp][0]
			m.levels[hp] = m.levels[hp][1:]
			if got != want {
				t.Fatalf("step %d: Dequeue = %d, want %d", i, got, want)
			}
			delete(queued, got)
			count--
		case op == 3:
			want := m.remove(h)
			if got := q.Remove(h); got != want {
				t.Fatalf("step %d: Remove(%d) = %v, want %v", i, h, got, want)
			}
			if want {
				delete(queued, h)
				count--
			}
		}
		if q.HighQ() != m.high() {
			t.Fatalf("step %d: HighQ = %d, want %d", i, q.HighQ(), m.high())
		}
		expectCount(t, q, count)
	}
}
