package models

// TrainingSummary is an opaque training-completed callback from a node.
// The only required field is "status"; the store stamps "timestamp".
type TrainingSummary map[string]any
