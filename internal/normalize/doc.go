// Package normalize turns raw marketplace inventory, in either the
// structured API shape or the CLI's box-drawing table shape, into
// model.Resource values.
//
// Nothing in this package returns an error. Upstream formats drift without
// notice, so malformed fields fall back to zero values, unresolvable GPU
// names become model.GPUUnknown, and unparseable rows are skipped.
package normalize
