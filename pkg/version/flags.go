package version

import "os"

const (
	appendFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	truncFlags  = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
)
