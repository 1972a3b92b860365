package metrics

// Observer decouples the engine and hub from prometheus so package
// tests can stub it out.
type Observer interface {
	IncStreamClients()
	DecStreamClients()
	RecordPush()
	SetPendingActions(n int)
	RecordDispatch(outcome string)
	RecordConflict()
	ObserveCycleDuration(seconds float64)
}

// NopObserver satisfies Observer without recording anything.
type NopObserver struct{}

func (NopObserver) IncStreamClients()                 {}
func (NopObserver) DecStreamClients()                 {}
func (NopObserver) RecordPush()                       {}
func (NopObserver) SetPendingActions(n int)           {}
func (NopObserver) RecordDispatch(outcome string)     {}
func (NopObserver) RecordConflict()                   {}
func (NopObserver) ObserveCycleDuration(sec float64)  {}
