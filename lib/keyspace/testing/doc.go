// Package testing provides the conformance suite for keyspace engines.
//
// An engine package runs the suite from a regular test:
//
//	func Test(t *testing.T) {
//		kstesting.RunKeySpaceTests(t, "Memory", func(t *testing.T) keyspace.KeySpace {
//			return NewMemoryKeySpace("test")
//		})
//	}
//
// The suite covers atomic batches, tree isolation, snapshot isolation,
// forward/reverse/prefix range scans, concurrent writers and Close semantics.
package testing
