// Package scan defines the domain types and ports shared by the scan pipeline,
// the stores and the HTTP surface.
package scan
