package models

import "errors"

var (
	ErrEmptyText   = errors.New("message text is empty")
	ErrTextTooLong = errors.New("message text exceeds limit")
)
