package soul

import "github.com/roach88/eldertree/internal/model"

// Statistics summarizes the binding table.
type Statistics struct {
	Total           int
	Live            int
	ByState         map[model.BindingState]int
	ByType          map[model.ConnectionType]int
	AverageStrength float64 // over live bindings
}

// Statistics computes a summary of the binding table.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statisticsLocked()
}

func (m *Manager) statisticsLocked() Statistics {
	st := Statistics{
		Total:   len(m.bindings),
		ByState: make(map[model.BindingState]int),
		ByType:  make(map[model.ConnectionType]int),
	}
	var sum float64
	for _, e := range m.bindings {
		st.ByState[e.b.State]++
		st.ByType[e.b.ConnectionType]++
		if e.b.State.Live() {
			st.Live++
			sum += e.b.Strength
		}
	}
	if st.Live > 0 {
		st.AverageStrength = sum / float64(st.Live)
	}
	return st
}

func (m *Manager) publishLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetBindingCounts(m.statisticsLocked().ByState)
}
