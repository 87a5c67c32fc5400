package model

import (
	"errors"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoCommand     = errors.New("no command given")
)
