// Package health provides active liveness probes. The reconciler uses
// TCPChecker to give a heartbeat-stale node one last chance before
// marking it DOWN, distinguishing a dead agent from a controller-side
// network blip.
package health
