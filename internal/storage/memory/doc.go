// Package memory provides in-process implementations of the harvest stores
// for development, tests and single-instance deployments.
package memory
