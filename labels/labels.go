// Package labels holds the default label names the bot derives PR
// fields from (spec.md §4.5). A repo's config.LabelNames can override
// any of these; these constants are just the defaults new repos get.
package labels

// Squash marks a PR for squash-merge instead of a merge commit.
const Squash = "bors-squash"

// HighPriority bumps a PR's queue priority to +1.
const HighPriority = "bors-high-priority"

// LowPriority drops a PR's queue priority to -1.
const LowPriority = "bors-low-priority"

// Hold is a commonly configured do-not-merge label. Repos list their
// own do-not-merge label set in config; this is just a common default.
const Hold = "do-not-merge/hold"
