package bucket

import "ledgerdb/pkg/types"

// FirstProtocolSupportingInitAndMetaEntry is the protocol version that
// introduced creation tracking (Init entries), tombstone-revival demotion and
// the metadata format marker. Merges below this version demote creates to
// plain Live entries, write no metadata, and let shadows elide every entry
// category except metadata.
const FirstProtocolSupportingInitAndMetaEntry types.ProtocolVersion = 11

// mergePolicy collects the protocol-gated branch decisions of the merge
// algorithm in one place so the determinism contract stays auditable. All
// decision points in the merge consult this table instead of comparing
// versions inline.
type mergePolicy struct {
	// initEntryTracking enables the Init/Dead equal-key cases (annihilation
	// and revival demotion).
	initEntryTracking bool
	// writeMetadata emits a format marker at the head of produced buckets.
	writeMetadata bool
	// keepShadowedLifecycleEntries keeps Init and Dead entries even when a
	// fresher level shadows their key, so lifecycle events propagate far
	// enough to cancel against their counterparts.
	keepShadowedLifecycleEntries bool
}

func policyForProtocol(v types.ProtocolVersion) mergePolicy {
	post := v >= FirstProtocolSupportingInitAndMetaEntry
	return mergePolicy{
		initEntryTracking:            post,
		writeMetadata:                post,
		keepShadowedLifecycleEntries: post,
	}
}
