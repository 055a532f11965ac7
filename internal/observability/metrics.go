package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all knowd Prometheus metrics.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	HandlerErrorsTotal *prometheus.CounterVec
	HistoryRecords     *prometheus.CounterVec
	HistoryPages       *prometheus.CounterVec
	SyncPasses         *prometheus.CounterVec
	CursorPosition     *prometheus.GaugeVec
	DocumentsIndexed   *prometheus.CounterVec
	ExportDeliveries   *prometheus.CounterVec
	DeadLetterTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all knowd metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_sync_events_total",
			Help: "Change events dispatched to handlers, by source and event type.",
		}, []string{"source", "type"}),

		HandlerErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_sync_handler_errors_total",
			Help: "Handler failures, isolated per event.",
		}, []string{"source", "handler"}),

		HistoryRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_sync_history_records_total",
			Help: "Change records consumed from the remote history log.",
		}, []string{"source"}),

		HistoryPages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_sync_history_pages_total",
			Help: "History page fetches by outcome.",
		}, []string{"source", "status"}),

		SyncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_sync_passes_total",
			Help: "Completed replay passes by result.",
		}, []string{"source", "result"}),

		CursorPosition: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowd_sync_cursor_position",
			Help: "Last persisted change-log cursor per source.",
		}, []string{"source"}),

		DocumentsIndexed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_index_documents_total",
			Help: "Documents written to or removed from the knowledge store.",
		}, []string{"origin", "op"}),

		ExportDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_export_deliveries_total",
			Help: "Export sink deliveries by outcome.",
		}, []string{"sink", "status"}),

		DeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowd_export_dead_letter_total",
			Help: "Events handed to the dead letter publisher.",
		}, []string{"sink"}),
	}
}
