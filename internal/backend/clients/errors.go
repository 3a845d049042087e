package clients

import (
	"errors"
)

var ErrWorkerUnreachable = errors.New("worker endpoint unreachable")
var ErrWorkerUnhealthy = errors.New("worker health check failed")
var ErrWorkerRejected = errors.New("worker rejected request")
