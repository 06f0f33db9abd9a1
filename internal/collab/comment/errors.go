package comment

import "errors"

// Comment-specific errors
var (
	ErrCommentNotFound = errors.New("comment not found")
	ErrEmptyContent    = errors.New("comment content is empty")
)
