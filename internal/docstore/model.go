package docstore

// Document is one persisted guestbook entry inside a named collection.
type Document struct {
	Seq             int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	DocumentID      string `gorm:"column:doc_id;size:190;not null;uniqueIndex"`
	Collection      string `gorm:"column:collection;size:64;not null;index:idx_blessings_collection_time,priority:1"`
	Author          string `gorm:"column:author;size:256;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	Tier            string `gorm:"column:tier;size:16;not null;default:''"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_blessings_collection_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "blessings"
}

// CollectionRevision counts committed mutations per collection.
// Subscribers compare revisions to notice writes made by other processes.
type CollectionRevision struct {
	Collection string `gorm:"column:collection;primaryKey;size:64;not null"`
	Revision   int64  `gorm:"column:revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionRevision) TableName() string {
	return "collection_revisions"
}
