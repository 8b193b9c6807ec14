package main

import (
	"context"
	"time"

	"github.com/vinayprograms/gatekit/router"
)

// Built-in message types.
const (
	TypePing   = 0
	TypeWhoAmI = 1
)

func registerBuiltins(r *router.Router) error {
	if err := r.Register(TypePing, ping, router.WithName("ping")); err != nil {
		return err
	}
	return r.Register(TypeWhoAmI, whoami, router.WithName("whoami"))
}

func ping(ctx context.Context, req *router.Request) (*router.Result, error) {
	return router.OK(map[string]interface{}{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}), nil
}

func whoami(ctx context.Context, req *router.Request) (*router.Result, error) {
	return router.OK(map[string]string{"identity": req.Identity}), nil
}
