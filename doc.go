// Package procflip implements zero downtime restarts of a running service by
// spawning a successor process.
//
// A restart is coordinated between exactly two generations of the same
// program: the running predecessor re-executes its own binary, hands the
// successor its inheritable file descriptors and a handoff envelope, and
// waits a bounded grace period for the successor to report that its
// initialization succeeded. Only then does the predecessor stop accepting
// work, drain what's in flight, and exit; on any failure (the successor
// reports an init error, dies silently, or outlives the grace period) the
// predecessor simply keeps serving. At most one restart attempt is ever in
// flight per process.
//
// A process under procflip must be able to signal readiness: a successor
// calls ReportReady once it is able to serve, which is what releases the
// predecessor to drain. Listening sockets and other descriptors that should
// survive the handoff are registered in the coordinator's Fds store under
// stable role names known to both generations.
//
// Draining is the ShutdownCoordinator's job: each unit of in-flight work
// registers with it, the process signals all of them to stop after a restart
// completes, and waits (boundedly) for their acknowledgments before exiting.
//
// How a restart is requested is up to the embedding application: call
// Trigger directly, or configure a control socket and request one from
// outside the process with RequestRestart.
package procflip
