// Package agentpipe is a client-side control plane for agent CLI
// subprocesses. It multiplexes the subprocess's stdio byte stream into
// two channels: a continuous stream of asynchronous events, and a
// correlated request/response control protocol that either side can
// initiate.
//
// The control protocol carries capability callbacks that must complete
// before the subprocess proceeds: tool-permission gating, lifecycle
// hooks, and an embedded tool server answering a small JSON-RPC-like
// surface.
//
// Basic usage:
//
//	conn, err := agentpipe.Connect(ctx,
//	    agentpipe.WithCommand("claude", "--output-format", "stream-json"),
//	    agentpipe.WithPermissionFunc(gate),
//	)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.SendUserMessage(ctx, "hello"); err != nil {
//	    return err
//	}
//
//	for event, err := range conn.Events(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    // handle event
//	}
//
// Only one live event reader may be attached at a time; attaching a
// second invalidates the first. Events buffered before the reader
// attaches are delivered first, in arrival order.
package agentpipe
