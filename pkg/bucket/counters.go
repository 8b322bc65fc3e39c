package bucket

// MergeCounters tracks fine-grained merge events. They exist for test and
// diagnostic verification of merge correctness and must be exact, so they are
// plain integers accumulated locally during a merge and folded into the
// manager in one locked operation at the end.
type MergeCounters struct {
	PreInitEntryProtocolMerges  uint64 `json:"pre_init_entry_protocol_merges"`
	PostInitEntryProtocolMerges uint64 `json:"post_init_entry_protocol_merges"`

	NewMetaEntries uint64 `json:"new_meta_entries"`
	NewInitEntries uint64 `json:"new_init_entries"`
	NewLiveEntries uint64 `json:"new_live_entries"`
	NewDeadEntries uint64 `json:"new_dead_entries"`
	OldMetaEntries uint64 `json:"old_meta_entries"`
	OldInitEntries uint64 `json:"old_init_entries"`
	OldLiveEntries uint64 `json:"old_live_entries"`
	OldDeadEntries uint64 `json:"old_dead_entries"`

	OldEntriesDefaultAccepted          uint64 `json:"old_entries_default_accepted"`
	NewEntriesDefaultAccepted          uint64 `json:"new_entries_default_accepted"`
	NewInitEntriesMergedWithOldDead    uint64 `json:"new_init_entries_merged_with_old_dead"`
	OldInitEntriesMergedWithNewLive    uint64 `json:"old_init_entries_merged_with_new_live"`
	OldInitEntriesMergedWithNewDead    uint64 `json:"old_init_entries_merged_with_new_dead"`
	NewEntriesMergedWithOldNeitherInit uint64 `json:"new_entries_merged_with_old_neither_init"`

	ShadowScanSteps         uint64 `json:"shadow_scan_steps"`
	MetaEntryShadowElisions uint64 `json:"meta_entry_shadow_elisions"`
	LiveEntryShadowElisions uint64 `json:"live_entry_shadow_elisions"`
	InitEntryShadowElisions uint64 `json:"init_entry_shadow_elisions"`
	DeadEntryShadowElisions uint64 `json:"dead_entry_shadow_elisions"`

	OutputIteratorTombstoneElisions uint64 `json:"output_iterator_tombstone_elisions"`
	OutputIteratorBufferUpdates     uint64 `json:"output_iterator_buffer_updates"`
	OutputIteratorActualWrites      uint64 `json:"output_iterator_actual_writes"`
}

// Add accumulates delta into mc field by field.
func (mc *MergeCounters) Add(delta MergeCounters) {
	mc.PreInitEntryProtocolMerges += delta.PreInitEntryProtocolMerges
	mc.PostInitEntryProtocolMerges += delta.PostInitEntryProtocolMerges

	mc.NewMetaEntries += delta.NewMetaEntries
	mc.NewInitEntries += delta.NewInitEntries
	mc.NewLiveEntries += delta.NewLiveEntries
	mc.NewDeadEntries += delta.NewDeadEntries
	mc.OldMetaEntries += delta.OldMetaEntries
	mc.OldInitEntries += delta.OldInitEntries
	mc.OldLiveEntries += delta.OldLiveEntries
	mc.OldDeadEntries += delta.OldDeadEntries

	mc.OldEntriesDefaultAccepted += delta.OldEntriesDefaultAccepted
	mc.NewEntriesDefaultAccepted += delta.NewEntriesDefaultAccepted
	mc.NewInitEntriesMergedWithOldDead += delta.NewInitEntriesMergedWithOldDead
	mc.OldInitEntriesMergedWithNewLive += delta.OldInitEntriesMergedWithNewLive
	mc.OldInitEntriesMergedWithNewDead += delta.OldInitEntriesMergedWithNewDead
	mc.NewEntriesMergedWithOldNeitherInit += delta.NewEntriesMergedWithOldNeitherInit

	mc.ShadowScanSteps += delta.ShadowScanSteps
	mc.MetaEntryShadowElisions += delta.MetaEntryShadowElisions
	mc.LiveEntryShadowElisions += delta.LiveEntryShadowElisions
	mc.InitEntryShadowElisions += delta.InitEntryShadowElisions
	mc.DeadEntryShadowElisions += delta.DeadEntryShadowElisions

	mc.OutputIteratorTombstoneElisions += delta.OutputIteratorTombstoneElisions
	mc.OutputIteratorBufferUpdates += delta.OutputIteratorBufferUpdates
	mc.OutputIteratorActualWrites += delta.OutputIteratorActualWrites
}
