// Package shutdown orders the teardown of a taskkit server.
//
// Handlers register with a phase; lower phases run first and handlers in
// the same phase run concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	stop := coord.HandleSignals()
//	defer stop()
//
//	coord.RegisterWithPhase("http", srv, shutdown.PhaseTransports)
//	coord.RegisterWithPhase("search", shutdown.Closer(idx), shutdown.PhaseIndex)
//	coord.RegisterWithPhase("store", shutdown.Closer(store), shutdown.PhaseStore)
//
//	<-coord.Done()
//
// Shutdown runs at most once; later calls return the first result. When the
// context expires, phases below Config.ReleasePhase are skipped while the
// store and telemetry phases still run, and ErrTimeout is returned.
package shutdown
