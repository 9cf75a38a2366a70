// ABOUTME: Auricle wire protocol package
// ABOUTME: Defines protocol messages and WebSocket client
// Package protocol implements the Auricle control protocol.
//
// Provides message types and a WebSocket client for talking to an
// auricled daemon. Control flows as JSON text messages; payload bytes
// travel in binary frames.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{ServerAddr: "localhost:8770"})
//	err := client.Connect()
package protocol
