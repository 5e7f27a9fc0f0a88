// Package stalwart is a durable-execution runtime: flows identified by type
// and instance are persisted, executed, and driven to a terminal state across
// crashes and replica failures
package stalwart

const Name = "stalwart"

// Version is overridden at link time
var Version = "dev"
