// Package metrics exposes the per-cycle statistics of a run to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fumin/fciqmc/stats"
)

const namespace = "fciqmc"

type Metrics struct {
	Cycle  prometheus.Gauge
	Tau    prometheus.Gauge
	NRow   prometheus.Gauge
	Cycles prometheus.Counter

	// Labels: part.
	Shift       *prometheus.GaugeVec
	NWalker     *prometheus.GaugeVec
	NInitiator  *prometheus.GaugeVec
	ProjEnergy  *prometheus.GaugeVec
	Spawned     *prometheus.CounterVec
	Annihilated *prometheus.CounterVec
	Aborted     *prometheus.CounterVec
	NullExcits  prometheus.Counter
	ClassProbs  *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	perPart := []string{"part"}
	m := &Metrics{
		Cycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cycle", Help: "Index of the last completed cycle.",
		}),
		Tau: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tau", Help: "Timestep.",
		}),
		NRow: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rows", Help: "Number of occupied basis functions over all ranks.",
		}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Number of completed cycles.",
		}),
		Shift: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shift", Help: "Energy shift.",
		}, perPart),
		NWalker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "walkers", Help: "Total walker weight.",
		}, perPart),
		NInitiator: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "initiators", Help: "Number of initiator rows.",
		}, perPart),
		ProjEnergy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projected_energy", Help: "Projected energy against the reference.",
		}, perPart),
		Spawned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "spawned_total", Help: "Spawned walker weight.",
		}, perPart),
		Annihilated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "annihilated_total", Help: "Walker weight lost to sign cancellation.",
		}, perPart),
		Aborted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "aborted_total", Help: "Spawned weight discarded by the initiator rule.",
		}, perPart),
		NullExcits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "null_excitations_total", Help: "Excitation draws that produced nothing.",
		}),
		ClassProbs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "class_probability", Help: "Excitation class draw probability.",
		}, []string{"class"}),
	}
	return m
}

// Observe records the statistics of a cycle.
func (m *Metrics) Observe(c stats.Cycle) {
	m.Cycle.Set(float64(c.Cycle))
	m.Tau.Set(c.Tau)
	m.NRow.Set(float64(c.NRow))
	m.Cycles.Inc()
	m.NullExcits.Add(float64(c.NNullExcit))
	for p := range c.NWalker {
		l := strconv.Itoa(p)
		m.Shift.WithLabelValues(l).Set(c.Shift[p])
		m.NWalker.WithLabelValues(l).Set(c.NWalker[p])
		m.NInitiator.WithLabelValues(l).Set(c.NInitiator[p])
		m.ProjEnergy.WithLabelValues(l).Set(c.ProjEnergy[p])
		m.Spawned.WithLabelValues(l).Add(c.NSpawned[p])
		m.Annihilated.WithLabelValues(l).Add(c.NAnnihilated[p])
		m.Aborted.WithLabelValues(l).Add(c.NAborted[p])
	}
	for i, p := range c.ClassProbs {
		m.ClassProbs.WithLabelValues(strconv.Itoa(i)).Set(p)
	}
}
