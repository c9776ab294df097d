package core

import "time"

// HTTP client tuning shared by outbound action calls and notifications.
const (
	HTTPClientTimeout             = 30 * time.Second
	HTTPClientMaxIdleConns        = 100
	HTTPClientMaxIdleConnsPerHost = 10
	HTTPClientIdleConnTimeout     = 90 * time.Second
)

const (
	// DefaultStepTimeout applies when neither the step nor the action
	// declares a timeout.
	DefaultStepTimeout = 30 * time.Second

	// DBOperationTimeout bounds individual storage calls made from the
	// execution hot path.
	DBOperationTimeout = 5 * time.Second
)
