// Package registry provides read-only device registry clients. Fleetwork
// never owns device identity: the engine resolves target specifications
// against a registry at work item creation time and stores device ids only.
//
// Two implementations are provided: an HTTP client for an external registry
// service, and a static in-memory registry for development and tests.
package registry
