// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every component receives an injected *Logger; there is no package
// global. Use Named to tag a component and With to pin per-lease
// fields once.
//
// Example Usage:
//
//	logger := logging.NewDefault().Named("pool")
//	logger.Info("lease bound",
//	    zap.String("lease_id", lease.ID),
//	    zap.String("backend", lease.Backend))
package logging
