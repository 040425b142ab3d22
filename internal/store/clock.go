package store

import "time"

// nowMs is the store's own epoch-ms clock, used for timestamps it
// generates internally (agent creation, binding creation). Callers
// driving business logic (envelope creation, run completion) pass
// their own nowMs so the whole turn shares one timestamp.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
