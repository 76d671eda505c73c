// Package capability implements the host-side capability proxy: the
// permission model, the static capability table, the shared URL allow-list,
// and deadline-bounded dispatch to pluggable namespace handlers.
package capability
