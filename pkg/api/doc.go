// Package api exposes the orchestration engine over HTTP.
//
// It carries two surfaces on one router: the administrative surface
// (work item creation, inspection, cancel and resume) and the device
// surface (poll for the next unit, report status). A registry webhook
// endpoint turns image-push notifications into rollout work items when
// an enabled policy matches the pushed repository and tag.
//
// Engine errors are mapped to HTTP status codes by their class:
// validation 400, not found 404, conflict 409, transient 503,
// everything else 500.
package api
