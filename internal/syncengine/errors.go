package syncengine

import (
	"errors"

	"github.com/agentworkforce/fieldsync/internal/payload"
)

var (
	ErrInvalidPayload  = payload.ErrInvalidPayload
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrClosed          = errors.New("sync engine closed")
	ErrNoSink          = errors.New("no remote sink configured")
)
