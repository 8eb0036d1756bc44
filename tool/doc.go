// Package tool holds the worker's tool catalog and the executor that runs
// calls against it.
//
//   - registry: descriptors, input schemas and handlers
//   - executor: validation, execution and result encoding
//   - datatools: the data tools built on a datastore service
//
// Every failure a tool can produce, including unknown names, bad arguments
// and handler panics, is reported as a failed outcome rather than an error
// so a single call never ends the worker.
package tool
