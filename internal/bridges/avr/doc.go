// Package avr implements the network receiver bridge for avrbridge.
//
// This package owns the TCP line connection to the receiver and links it to
// the correlation engine and, optionally, to MQTT.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐          ┌──────────────┐
//	│  Home automation│   MQTT   │   AVR Bridge    │ TCP :23  │   Receiver   │
//	│   controllers   │◄────────►│   (this pkg)    │◄────────►│  (CR lines)  │
//	└─────────────────┘          └────────┬────────┘          └──────────────┘
//	                                      │
//	                               engine.Engine
//
// # Key Responsibilities
//
//   - Keep one TCP connection open, reconnecting with backoff
//   - Split the byte stream into carriage-return terminated lines
//   - Hand every line to the engine in arrival order
//   - Query the refresh set after each (re)connect
//   - Publish per-property state and the debounced status snapshot
//   - Translate MQTT commands and requests into applies and queries
//   - Publish health status with a Last Will
//
// # Line Delivery
//
// Lines are delivered on the receive goroutine, one at a time. Callbacks
// must not block on a reply from the receiver; anything that waits on a
// query runs on its own goroutine.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package avr
