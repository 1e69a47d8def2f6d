// Package handlers contains the reusable pieces of the ledger's HTTP adapter:
// health checks, API key authentication and middleware.
//
// # Health Checks
//
// Checks run in parallel, each under its own timeout. Required checks gate
// readiness; optional ones only mark the service degraded:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("database", handlers.NewPingCheck(pool))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
//	status := checker.Check(ctx)
//
// # Authentication
//
// API keys are configured as bcrypt hashes, never in plain text:
//
//	hash, _ := handlers.HashAPIKey(key)          // store hash in API_KEY_HASHES
//	auth, err := handlers.NewAPIKeyAuth("X-API-Key", hashes)
//	protected := auth.Middleware(nil)(mux)
//
// # Middleware
//
//	handler := handlers.ChainHandler(
//	    mux,
//	    handlers.SecurityHeadersMiddleware,
//	    handlers.NoCacheMiddleware,
//	    handlers.RequestSizeLimitMiddleware(1<<20),
//	)
package handlers
