package core

// Package core holds the cross-cutting primitives shared by every
// component: structured domain errors and a small set of identifiers
// used across package boundaries. Phase, job-kind and entity types live
// in internal/domain, which depends on core rather than the reverse.
