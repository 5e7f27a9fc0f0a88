// Package engine implements the durable execution runtime
//
// This package contains the invocation state machine that admits, executes,
// and persists flows under epoch ownership, plus the watchdogs that restart
// flows whose leases expired or whose postponement elapsed
package engine
