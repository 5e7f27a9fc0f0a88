// Package util provides common utility functions and data structures
//
// This package includes a generic set implementation and the state
// transition tables used to validate flow status changes
package util
