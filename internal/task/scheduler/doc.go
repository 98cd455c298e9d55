// Package scheduler arms one reminder timer per task and fires it on the
// task engine.
//
// Every armed timer carries the epoch of the job it was created for. The
// registry row is written before a timer is armed, and a callback only
// notifies while its epoch is still the current one, so a rescheduled or
// cancelled reminder never fires late. Calls for the same task id are
// serialized by a keyed mutex; different task ids proceed in parallel.
package scheduler
