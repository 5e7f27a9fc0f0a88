// Package server implements the HTTP API of a stalwart replica
//
// This package provides REST endpoints for admitting, inspecting,
// interrupting, and restarting flows, plus health, cluster, and metrics
// endpoints
package server
