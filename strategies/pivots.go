package strategies

import (
	"fmt"
	"slices"
)

// SearchMode of the pivot state machine
type SearchMode int

const (
	ModeUninitialized SearchMode = iota
	ModeSearchingHigh
	ModeSearchingLow
)

func (m SearchMode) String() string {
	switch m {
	case ModeSearchingHigh:
		return "searching_high"
	case ModeSearchingLow:
		return "searching_low"
	default:
		return "uninitialized"
	}
}

// PivotHistory holds confirmed pivots, one append-only sequence per kind.
type PivotHistory struct {
	highs []Pivot
	lows  []Pivot
}

func (h *PivotHistory) append(p Pivot) {
	seq := &h.lows
	if p.Kind == PivotHigh {
		seq = &h.highs
	}
	if n := len(*seq); n > 0 && (*seq)[n-1].Index >= p.Index {
		panic(fmt.Sprintf("pivot history: %s index %d not after %d", p.Kind, p.Index, (*seq)[n-1].Index))
	}
	*seq = append(*seq, p)
}

// Highs returns a copy of the confirmed highs.
func (h *PivotHistory) Highs() []Pivot { return slices.Clone(h.highs) }

// Lows returns a copy of the confirmed lows.
func (h *PivotHistory) Lows() []Pivot { return slices.Clone(h.lows) }

func (h *PivotHistory) Len(kind PivotKind) int {
	if kind == PivotHigh {
		return len(h.highs)
	}
	return len(h.lows)
}

// Recent returns the n-th most recent confirmed pivot of a kind; n=0 is the last one.
func (h *PivotHistory) Recent(kind PivotKind, n int) (Pivot, bool) {
	seq := h.lows
	if kind == PivotHigh {
		seq = h.highs
	}
	i := len(seq) - 1 - n
	if n < 0 || i < 0 {
		return Pivot{}, false
	}
	return seq[i], true
}

// PivotUpdate describes what a bar did to the state machine.
type PivotUpdate struct {
	Mode      SearchMode
	Confirmed *Pivot
	Seeded    *Pivot
	Extended  bool
}

// PivotStateMachine tracks a single search mode and its growing candidate,
// confirming the candidate once price breaches the opposite band.
type PivotStateMachine struct {
	mode          SearchMode
	candidateHigh *Pivot
	candidateLow  *Pivot
	history       PivotHistory
}

func NewPivotStateMachine() *PivotStateMachine { return &PivotStateMachine{} }

func (m *PivotStateMachine) Mode() SearchMode { return m.mode }

// Candidate returns the in-progress pivot of the active mode.
func (m *PivotStateMachine) Candidate() (Pivot, bool) {
	switch m.mode {
	case ModeSearchingHigh:
		return *m.candidateHigh, true
	case ModeSearchingLow:
		return *m.candidateLow, true
	}
	return Pivot{}, false
}

func (m *PivotStateMachine) History() *PivotHistory { return &m.history }

// Update feeds one bar and its band. All comparisons are strict.
func (m *PivotStateMachine) Update(bar Bar, band Band) PivotUpdate {
	var u PivotUpdate
	switch m.mode {
	case ModeUninitialized:
		if bar.High > band.Upper {
			m.seed(PivotHigh, bar, &u)
		} else if bar.Low < band.Lower {
			m.seed(PivotLow, bar, &u)
		}
	case ModeSearchingHigh:
		if bar.High > m.candidateHigh.Price {
			m.candidateHigh.Price = bar.High
			m.candidateHigh.Index = bar.Index
			u.Extended = true
		} else if bar.Low < band.Lower {
			m.confirm(PivotHigh, &u)
			m.seed(PivotLow, bar, &u)
		}
	case ModeSearchingLow:
		if bar.Low < m.candidateLow.Price {
			m.candidateLow.Price = bar.Low
			m.candidateLow.Index = bar.Index
			u.Extended = true
		} else if bar.High > band.Upper {
			m.confirm(PivotLow, &u)
			m.seed(PivotHigh, bar, &u)
		}
	}
	u.Mode = m.mode
	return u
}

func (m *PivotStateMachine) seed(kind PivotKind, bar Bar, u *PivotUpdate) {
	if kind == PivotHigh {
		m.candidateHigh = &Pivot{Index: bar.Index, Price: bar.High, Kind: PivotHigh}
		m.mode = ModeSearchingHigh
	} else {
		m.candidateLow = &Pivot{Index: bar.Index, Price: bar.Low, Kind: PivotLow}
		m.mode = ModeSearchingLow
	}
	seeded, _ := m.Candidate()
	u.Seeded = &seeded
}

func (m *PivotStateMachine) confirm(kind PivotKind, u *PivotUpdate) {
	var p Pivot
	if kind == PivotHigh {
		p, m.candidateHigh = *m.candidateHigh, nil
	} else {
		p, m.candidateLow = *m.candidateLow, nil
	}
	m.history.append(p)
	u.Confirmed = &p
}
