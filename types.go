package doozer

// Status is the lifecycle state of a build. The zero value is never a valid
// persisted status; rows are created directly as StatusPending.
type Status string

const (
	StatusPending         Status = "pending"
	StatusBuilding        Status = "building"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusTooManyAttempts Status = "too_many_attempts"
)

// Terminal reports whether no further transition out of st is permitted.
func (st Status) Terminal() bool {
	return st == StatusDone || st == StatusFailed || st == StatusTooManyAttempts
}

// StorageKind selects where an artifact's bytes physically live.
type StorageKind string

const (
	StorageEmbedded StorageKind = "embedded"
	StorageFile     StorageKind = "file"
	StorageS3       StorageKind = "s3"
)
