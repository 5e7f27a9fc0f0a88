// Package api defines the core data types shared by the durable-execution
// runtime
//
// This package contains flow identities, stored flow records, statuses and
// their transitions, execution outcomes, replica records, HTTP messages, and
// the errors surfaced to callers
package api
