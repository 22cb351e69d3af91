// Package processor turns raw job lifecycle signals into notifications and
// publishes them.
//
// Every Process* method returns false instead of an error: callers sit in
// the analysis pipeline and must never be held up by notification trouble.
package processor
