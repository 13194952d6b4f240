// Package httpmw provides HTTP middleware for the gateway.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// commit tracking, header security filter, panic recovery, request ID,
// client IP extraction, rate limiting, OTEL tracing, metrics, structured
// logging, and chi router.
//
// Commit tracking is outermost so the header security filter can detect a
// response that was already flushed before it ran. Each middleware is an
// independent function that can be tested, reordered, or removed
// individually.
package httpmw
