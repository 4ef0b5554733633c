// Package trigger decides when the mutable table has grown enough to be
// frozen into an immutable snapshot. Policies are pluggable so the engine
// can flush on size, on row count, or on both.
package trigger

// Trigger observes table growth after each write and reports whether the
// table has exceeded its configured threshold and should be rotated into
// an immutable snapshot.
type Trigger interface {
	// Check is called after a write lands with the table's current size
	// in bytes and row count, and reports whether the trigger has fired.
	Check(sizeBytes int64, rows int) bool
	// Reset clears any accumulated state after a rotation.
	Reset()
}

// Config holds the thresholds shared by the built-in triggers.
type Config struct {
	MaxSizeBytes int64
	MaxRows      int
}

// DefaultConfig mirrors the mutable table's default rotation point: 4MiB
// or 8192 rows, whichever comes first.
func DefaultConfig() *Config {
	return &Config{
		MaxSizeBytes: 4 * 1024 * 1024,
		MaxRows:      8192,
	}
}

// sizeOfMemory fires once the table's estimated byte size reaches the
// configured threshold.
type sizeOfMemory struct {
	maxBytes int64
}

// NewSizeOfMemory returns a Trigger that fires on accumulated byte size.
func NewSizeOfMemory(maxBytes int64) Trigger {
	return &sizeOfMemory{maxBytes: maxBytes}
}

func (t *sizeOfMemory) Check(sizeBytes int64, _ int) bool {
	return sizeBytes >= t.maxBytes
}

func (t *sizeOfMemory) Reset() {}

// length fires once the table's row count reaches the configured
// threshold, independent of estimated byte size.
type length struct {
	maxRows int
}

// NewLength returns a Trigger that fires on row count.
func NewLength(maxRows int) Trigger {
	return &length{maxRows: maxRows}
}

func (t *length) Check(_ int64, rows int) bool {
	return rows >= t.maxRows
}

func (t *length) Reset() {}

// either combines two triggers and fires when the first of them fires.
type either struct {
	a, b Trigger
}

// NewEither combines a size trigger and a length trigger, matching the
// default policy used by Config.
func NewEither(a, b Trigger) Trigger {
	return &either{a: a, b: b}
}

func (t *either) Check(sizeBytes int64, rows int) bool {
	return t.a.Check(sizeBytes, rows) || t.b.Check(sizeBytes, rows)
}

func (t *either) Reset() {
	t.a.Reset()
	t.b.Reset()
}

// New builds the default either(sizeOfMemory, length) trigger from a
// Config.
func New(cfg *Config) Trigger {
	return NewEither(NewSizeOfMemory(cfg.MaxSizeBytes), NewLength(cfg.MaxRows))
}
