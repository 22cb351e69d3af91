// Package storage keeps dead-lettered notifications on disk so that an
// operator can still inspect and replay them after a restart.
package storage
