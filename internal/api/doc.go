// Package api contains the HTTP handlers for the playback session endpoints.
// Handlers stay thin: decode the request, resolve the caller identity, call
// the session service, and map its error taxonomy to HTTP statuses. All
// ownership and capability policy lives in the service.
package api
