// Package logging provides the zap-based structured logger shared by all
// backend components.
package logging
