// Package harvest defines the core types and interfaces shared across the review harvester.
package harvest
