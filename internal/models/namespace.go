// Package models provides data model definitions for the fitlog core.
package models

import "strings"

// Namespace partitions the local key space. Guest data lives under
// GuestNamespace; authenticated data lives under "user:<id>".
type Namespace string

// GuestNamespace holds records created before the user authenticated.
const GuestNamespace Namespace = "guest"

const userPrefix = "user:"

// UserNamespace returns the namespace for an authenticated user.
func UserNamespace(userID string) Namespace {
	return Namespace(userPrefix + userID)
}

// IsGuest reports whether ns is the anonymous namespace.
func (ns Namespace) IsGuest() bool {
	return ns == GuestNamespace
}

// UserID returns the user identifier of a user namespace, or "" for guest.
func (ns Namespace) UserID() string {
	if !strings.HasPrefix(string(ns), userPrefix) {
		return ""
	}
	return strings.TrimPrefix(string(ns), userPrefix)
}

// String returns the string representation of the namespace.
func (ns Namespace) String() string {
	return string(ns)
}
