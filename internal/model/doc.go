// Package model defines shared data types used across the COREos client.
//
// Conventions:
//   - Timestamps: time.Time in UTC
//   - IDs: uuid strings generated client-side for messages and events
//   - Secrets (tokens, passwords) never appear in String() output or logs
package model
