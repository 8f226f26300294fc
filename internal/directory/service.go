package directory

import (
	"errors"
	"fmt"
)

// Service is one live node as reported by GET /services.
type Service struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// registration is the body of /register-service and /heartbeat.
type registration struct {
	ServiceName string `json:"serviceName"`
	ServiceURL  string `json:"serviceUrl"`
}

func (r registration) validate() error {
	if r.ServiceName == "" {
		return errors.New("serviceName is required")
	}
	if r.ServiceURL == "" {
		return errors.New("serviceUrl is required")
	}
	return nil
}

// StatusError is returned when the directory answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory %s: unexpected status %d", e.Op, e.Code)
}
