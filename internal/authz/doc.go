// Package authz authenticates client sessions and authorizes every
// notification delivery.
//
// Permission records are owned by the Manager and shared by pointer with
// every live session of the same user, so a grant is visible to all of them
// at once. Every check fails closed.
package authz
