// Package deploy drives a built artifact into a target environment.
//
// A Controller runs one Plan through the phase machine
//
//	pending → provisioning → health_checking → traffic_shifting → verifying
//	        → {completed | rolling_back} → {rolled_back | failed}
//
// using one of three strategies:
//
//   - blue-green: provision green, wait for it to be healthy, switch all
//     traffic at once and watch it for a verification window. Rollback
//     points traffic back at blue and keeps green for inspection.
//   - canary: shift traffic in increasing steps, checking health and
//     success rate after each step. Rollback restores stable to 100%.
//   - rolling: replace instances batch by batch. Rollback restores only
//     the failed batch; earlier batches stay on the new version.
//
// The controller only talks to infrastructure through the HealthChecker,
// TrafficShifter and Provisioner interfaces. Every wait goes through a
// clock.Clock so tests can run strategies without real time passing.
//
// Every phase change is appended to the State history and published as
// an engine event.
package deploy
