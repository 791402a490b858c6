// Package monitoring exports the state of the tower as Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TowerState is the view of the tower the collector reads on every scrape.
type TowerState interface {
	// NumAppointments returns the number of appointments being watched.
	NumAppointments() int

	// NumTrackers returns the number of penalties being tracked.
	NumTrackers() int

	// NumUnconfirmed returns the number of tracked penalties not yet
	// confirmed.
	NumUnconfirmed() int

	// NumUsers returns the number of registered users.
	NumUsers() int

	// NumCachedBlocks returns the number of blocks in the locator cache.
	NumCachedBlocks() int
}

type towerCollector struct {
	state TowerState

	appointmentsDesc *prometheus.Desc
	trackersDesc     *prometheus.Desc
	unconfirmedDesc  *prometheus.Desc
	usersDesc        *prometheus.Desc
	cacheBlocksDesc  *prometheus.Desc
}

// NewTowerCollector returns a collector reporting the size of the tower's
// state.
func NewTowerCollector(state TowerState) prometheus.Collector {
	return &towerCollector{
		state: state,
		appointmentsDesc: prometheus.NewDesc(
			"towerd_appointments",
			"Number of appointments being watched.",
			nil, nil,
		),
		trackersDesc: prometheus.NewDesc(
			"towerd_trackers",
			"Number of penalty transactions being tracked.",
			nil, nil,
		),
		unconfirmedDesc: prometheus.NewDesc(
			"towerd_unconfirmed_penalties",
			"Number of unconfirmed tracked penalties.",
			nil, nil,
		),
		usersDesc: prometheus.NewDesc(
			"towerd_users",
			"Number of registered users.",
			nil, nil,
		),
		cacheBlocksDesc: prometheus.NewDesc(
			"towerd_locator_cache_blocks",
			"Number of recent blocks held by the locator cache.",
			nil, nil,
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *towerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.appointmentsDesc
	ch <- c.trackersDesc
	ch <- c.unconfirmedDesc
	ch <- c.usersDesc
	ch <- c.cacheBlocksDesc
}

// Collect is part of the prometheus.Collector interface.
func (c *towerCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(desc *prometheus.Desc, value int) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.GaugeValue, float64(value),
		)
	}

	gauge(c.appointmentsDesc, c.state.NumAppointments())
	gauge(c.trackersDesc, c.state.NumTrackers())
	gauge(c.unconfirmedDesc, c.state.NumUnconfirmed())
	gauge(c.usersDesc, c.state.NumUsers())
	gauge(c.cacheBlocksDesc, c.state.NumCachedBlocks())
}
