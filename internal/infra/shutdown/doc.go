// Package shutdown provides graceful shutdown for TokMesh.
//
// This package handles process termination signals:
//
//   - Signal handling (SIGINT, SIGTERM)
//   - A timeout on the context passed to each hook (hooks that ignore the
//     context are not interrupted)
//   - Cleanup callback registration, run in reverse order
//   - A Done channel closed once all hooks have run
//
// Usage:
//
//	h := shutdown.NewHandler(30 * time.Second)
//	h.OnShutdown(func(ctx context.Context) error { return srv.Shutdown(ctx) })
//	err := h.Wait() // blocks until SIGINT or SIGTERM, then runs the hooks
//
// @design DS-0501
package shutdown
