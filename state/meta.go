package state

import (
	"github.com/pkg/errors"
)

var (
	ValidationFailedError  = errors.New("value rejected by validation rule")
	SizeExceededError      = errors.New("context size limit exceeded")
	SnapshotNotFoundError  = errors.New("snapshot not found")
	NoTransactionError     = errors.New("no transaction in progress")
	TransactionActiveError = errors.New("transaction already in progress")
	HistoryDisabledError   = errors.New("history tracking is not enabled")
	VersionNotFoundError   = errors.New("history version not found")
	ContextNotFoundError   = errors.New("context not found")
	ContextExistsError     = errors.New("context already exists")
	NotAppendableError     = errors.New("existing value is not a list")
	InvalidConfigError     = errors.New("invalid context manager config")
)

// RedactionMarker replaces sensitive values in persisted context files.
const RedactionMarker = "[REDACTED]"

// sensitiveMarkers are matched as case-insensitive substrings of key names.
var sensitiveMarkers = []string{"password", "token", "key", "secret"}

// DefaultNamespace is the namespace backing the plain Get/Set surface.
const DefaultNamespace = "default"
