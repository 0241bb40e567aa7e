// Package testutil provides fixtures for tests of simstate packages.
//
// This package is intended for use in tests only. It provides a seeded RNG
// for property-style tests, a segment store rooted in t.TempDir, and helpers
// for building agent/message states with known contents.
//
//	rng := testutil.NewRNG(42)
//	store := testutil.NewStore(t)
//	st := testutil.NewState(t, store, 10, 10, 10)
package testutil
