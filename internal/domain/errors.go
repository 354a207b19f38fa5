package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTooManyConnections = errors.New("too many connections")
	ErrRegistryClosed     = errors.New("registry closed")
	ErrRelayClosed        = errors.New("relay closed")
	ErrReceiveTimeout     = errors.New("broker receive timeout")
	ErrBrokerClosed       = errors.New("broker closed")
	ErrEmptyTopic         = errors.New("topic must not be empty")
)
