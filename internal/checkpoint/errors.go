package checkpoint

import "errors"

var (
	ErrTruncated     = errors.New("checkpoint: truncated file")
	ErrInvalidConfig = errors.New("checkpoint: invalid config")
	ErrSizeMismatch  = errors.New("checkpoint: file size does not match config")
)
