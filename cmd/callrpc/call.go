package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/urfave/cli"

	"mini-call/client"
)

func callCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: callrpc call <method> [json]", 2)
	}
	method := c.Args().Get(0)
	payload, err := parsePayload(c.Args().Get(1))
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	cfg, logger, pool, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	descriptor := c.GlobalString("descriptor")
	if len(cfg.Registry.EtcdEndpoints) == 0 {
		if err := reg.Register(ctx, descriptor, localEndpoint(cfg), cfg.Registry.TTL); err != nil {
			return err
		}
	}

	container := client.NewContainer(reg,
		client.WithBalancer(cfg.NewBalancer()),
		client.WithPool(pool),
		client.WithLogger(logger),
		client.WithHeartbeat(cfg.Server.Heartbeat),
	)
	defer container.Close()

	caller, err := container.StartByCall(ctx, descriptor)
	if err != nil {
		return err
	}
	defer caller.Release()

	if c.Bool("no-result") {
		if err := caller.Call(ctx, method, payload); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "ok")
		return nil
	}

	reply, err := caller.CallWithResult(ctx, method, payload)
	if err != nil {
		return err
	}
	defer reply.Release()

	var result any
	if err := reply.ReadStructured(&result); err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// parsePayload decodes the JSON argument into an object; an empty argument is
// an empty object.
func parsePayload(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := sonic.UnmarshalString(arg, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object, got null")
	}
	return payload, nil
}
