package domain

// Metadata is a free-form JSON object attached to configuration entities.
type Metadata map[string]any

// FieldMap is a flat snapshot of a record's field values as held by the
// record store. Keys are field API names.
type FieldMap map[string]any
