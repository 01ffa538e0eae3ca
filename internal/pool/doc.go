// Package pool manages a bounded set of reusable connections.
//
// Pool is generic over any connection that can be pinged, rolled back and
// closed. It pre-opens MinSize connections, grows on demand to MaxSize and
// blocks further callers until a connection is returned or their context
// ends. Connections older than MaxLifetime are retired when next touched.
//
// Callers lease a connection for one unit of work:
//
//	err := p.With(ctx, func(ctx context.Context, c *checkpoint.Conn) error {
//	    return c.Exec(ctx, "...")
//	})
//
// A non-nil error from the scope rolls the connection back before it is
// returned. Wrapping ErrBroken instead discards it, and the pool dials a
// replacement in the background to stay at MinSize.
package pool
