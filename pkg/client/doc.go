/*
Package client is the Go client for the controller's HTTP control API.

The CLI uses it for `sentinel status` and `sentinel replay`; anything
else that can reach the listener can use it the same way:

	c := client.New("http://127.0.0.1:8080")
	status, err := c.Status(ctx)
	pending, err := c.Approvals(ctx)
	err = c.Decide(ctx, id, true, "jordan")

Errors carry the server's message; a 404 wraps types.ErrNotFound so
callers can distinguish "no such batch" from transport failure. A
controller that is not running surfaces as a "controller unreachable"
error, which the status command uses to fall back to reading the
knowledge base directly.
*/
package client
