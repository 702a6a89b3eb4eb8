package digest

import "time"

// epoch is the reproducible default timestamp used whenever the build plan
// does not supply one: file modified times default to one second after it
// (spec §4.5), image/config created times default to it exactly.
var epoch = time.Unix(0, 0).UTC()

// Epoch returns the reproducible default timestamp (the Unix epoch, UTC).
func Epoch() time.Time { return epoch }

// EpochPlusOne returns the default per-entry modified time (epoch+1s) spec
// §4.5 specifies for layer entries that don't carry an explicit mtime.
func EpochPlusOne() time.Time { return epoch.Add(time.Second) }
