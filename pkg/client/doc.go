// Package client is the Go SDK for a trustchain node's HTTP API.
//
// # Reading the chain
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := c.Status(ctx)
//	trail, err := c.Audit(ctx, "db/users")
//
// # Writing events and asking for access
//
// Mutating routes need an actor token. Operators holding the node's admin
// secret can mint one:
//
//	admin := client.MustNew(base, client.WithAdminSecret(secret))
//	tok, err := admin.IssueToken(ctx, client.TokenRequest{ActorID: "alice", Roles: []string{"admin"}})
//
//	c := client.MustNew(base, client.WithBearerToken(tok.Token))
//	verdict, err := c.Evaluate(ctx, client.EvaluateRequest{Resource: "db/users", Action: "read"})
//	if !verdict.Allowed {
//	    // denied; the decision is already queued on the ledger
//	}
package client
