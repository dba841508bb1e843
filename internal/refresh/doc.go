// Package refresh keeps the live vehicle locations of one user fresh.
//
// A Scheduler arms a one-shot timer, fetches when it fires, publishes the
// locations that have a known position and re-arms. A failed fetch is logged
// and re-armed the same way, so polling only stops on Cancel. Fetches never
// overlap: the next timer is armed only after the previous fetch returned.
//
//	Idle -> Scheduled -> Fetching -> Scheduled -> ...
//	any  -> Cancelled
package refresh
