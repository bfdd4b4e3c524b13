// Package catalog defines the enumerated image catalog.
//
// Every spawn names an image; the catalog is the single authority for
// membership, per-image hourly rates, GPU eligibility, and default
// resource shapes. It is immutable after load: either the built-in
// Default set or a YAML file loaded at startup.
package catalog
