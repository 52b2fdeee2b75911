package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrGoalNotFound  = errors.New("goal not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrAlreadyExists = errors.New("record already exists")
)
