package scatter

// Info describes one scatter round to the observability hook.
type Info struct {
	Direction Direction
	Mode      CombineMode
	// Bytes is the total data moved by this rank in the round: sent,
	// received and locally copied scalars.
	Bytes int
	// Merged reports that the round completed entirely within Begin.
	Merged bool
}

// Instrument is the logging/instrumentation hook invoked around Begin and
// End. Implementations are opaque to the engine -- side effects only, no
// influence on the transfer. See scatterprom for a Prometheus-backed one.
type Instrument interface {
	// ScatterBegin is called after Begin issued its transfers.
	ScatterBegin(info Info)
	// ScatterEnd is called after the round completed, whether inside
	// Begin (merged) or inside End.
	ScatterEnd(info Info)
}
