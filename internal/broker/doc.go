// Package broker hides the publish/subscribe broker behind a small adapter.
//
// Callers publish serialized notifications on named channels and register
// handlers through explicit subscription handles. Handles on the same channel
// share one backend subscription. Connectivity loss is recovered in the
// background; callers only ever see boolean results.
package broker
