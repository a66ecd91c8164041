// Command exportd runs the starred-list export service: an HTTP control
// surface in front of a bounded scheduler that logs in to the remote content
// service on behalf of each submitted user, fetches every starred post and
// bundles the results into a downloadable zip archive.
//
// Usage:
//
//	exportd [serve] [--config path/to/config.yaml]
//
// Every config key can also be set through an EXPORT_ prefixed environment
// variable, e.g. EXPORT_SCHEDULER_MAX_CONCURRENT_JOBS=4.
package main
