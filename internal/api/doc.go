// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /v1/scrape, /v1/crawl, /v1/search, /v1/extract for task submission.
//   - GET /v1/scrape/{id}, /v1/extract/{id}, /v1/crawl/{id}(/results) for
//     status and results; GET /v1/credits for the tenant ledger balance.
//   - POST /v2/tasks/query and /v2/tasks/cancel for batch operations.
//   - GET /health for liveness, GET /metrics for Prometheus scraping.
package api
