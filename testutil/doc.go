// Package testutil provides seeded randomness and compression block
// builders shared by the package test suites.
package testutil
