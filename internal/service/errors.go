package service

import "fmt"

type ErrRunQueueFull struct{}

func (e ErrRunQueueFull) Error() string {
	return "run queue is full"
}

func NewErrRunQueueFull() *ErrRunQueueFull {
	return &ErrRunQueueFull{}
}

type RunCancelError struct {
	Message string
}

func (rce RunCancelError) Error() string {
	return rce.Message
}

type UnknownLaneError struct {
	Lane string
}

func (e *UnknownLaneError) Error() string {
	return fmt.Sprintf("lane %q is not defined", e.Lane)
}
