// Package http contains the HTTP handlers and router for the relay
// API. Handlers stay thin: bind and validate the request, call the
// service, render the result. Domain errors carry their own HTTP
// mapping through the errors package.
package http
