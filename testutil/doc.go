// Package testutil provides testing utilities for the table store.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random record generator and an in-memory reference
// model of merge-on-read semantics.
//
// # Random Records
//
//	rng := testutil.NewRNG(seed)
//	records := rng.Records(1000, 100, testutil.RecordOptions{DeleteRate: 0.1})
//
// # Reference Model
//
//	m := testutil.NewModel()
//	m.ApplyAll(records)
//	want := m.Snapshot()
package testutil
