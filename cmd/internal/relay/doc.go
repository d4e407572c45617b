// Package relay implements the capture request lifecycle shared by viewers and capture agents.
//
// A viewer creates a request (pending), an agent claims it (processing) and uploads the
// image (completed). Both stores are memory-resident and owned by a single Service;
// a Reaper deletes entries by age regardless of state.
package relay
