// Package port contains the HTTP entry points into the gateway.
// Ports translate HTTP requests into app layer calls and map results back.
package port
