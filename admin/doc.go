/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admin provides an HTTP API for inspecting and managing rate queues of a ratequeue.Registry:
// listing queues with their stats, changing rates, enqueueing payloads and shutting queues down.
// Health-check (/healthz) and Prometheus (/metrics) endpoints are exposed as well.
package admin
