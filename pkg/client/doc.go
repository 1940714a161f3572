// Package client provides a JSON-RPC client for a tern node, covering
// program submission, remote execution, and run history inspection.
//
// # Architecture
//
// The package consists of two main components:
//
//   - Pool: Manages one or more RPC endpoints with health tracking
//   - Client: Handles JSON-RPC communication with bounded retry
//
// # Usage
//
// Basic usage against a local node:
//
//	c := client.New("http://127.0.0.1:8650", client.DefaultConfig())
//	defer c.Close()
//
//	summary, err := c.SubmitProgram(ctx, imageBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, _ := types.ImageIDFromBase58(summary.ID)
//	res, err := c.RunProgram(ctx, id, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("run %s: %s exit=%d\n", res.RunID, res.State, res.ExitCode)
//
// # Retry Behavior
//
// The client distinguishes between:
//
//   - Transport failures: Retried with exponential backoff against the
//     next pool endpoint, up to MaxRetries
//   - Node error responses: Returned as *rpc.RPCError without retry,
//     since the node answered authoritatively
//
// Execution and delete calls are never retried; a lost response cannot
// distinguish an applied request from a dropped one. Use IsNotFound,
// IsProgramNotFound, and IsRunNotFound to classify node errors.
//
// # Endpoint Pools
//
// NewStaticPool provides round-robin selection over a fixed endpoint
// list. Endpoints that fail a request sit out a recovery cooldown, then
// rejoin the rotation. The Pool interface allows custom implementations
// with probing or latency-based routing.
package client
