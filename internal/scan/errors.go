package scan

import "errors"

// ErrNotFound is returned when a scan id does not exist.
var ErrNotFound = errors.New("scan not found")

// ErrReportUnavailable is returned when a scan has not produced a report yet.
var ErrReportUnavailable = errors.New("report not available")

// ErrArtifactNotFound is returned by blob stores when no object exists at a path.
var ErrArtifactNotFound = errors.New("artifact not found")
