// Command callrpc hosts a demo callee and invokes methods on remote callees.
//
//	callrpc serve                     # host "mini-call.demo" on MINI_CALL_ADDRESS
//	callrpc call sum '{"values":[1,2,3]}'
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-call/config"
	"mini-call/logging"
	"mini-call/parcel"
	"mini-call/registry"
)

const defaultDescriptor = "mini-call.demo"

func main() {
	app := cli.NewApp()
	app.Name = "callrpc"
	app.Usage = "Host and call remote callees"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "descriptor, d",
			Value: defaultDescriptor,
			Usage: "callee descriptor",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "serve",
			Usage:  "Host the demo callee (echo, ping, sum)",
			Action: serveCommand,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "serve Prometheus metrics on this address, e.g. :9090",
				},
				cli.DurationFlag{
					Name:  "shutdown-timeout",
					Value: 5 * time.Second,
					Usage: "how long to wait for in-flight calls on shutdown",
				},
			},
		},
		cli.Command{
			Name:      "call",
			Usage:     "Invoke a method with a JSON object payload and print the reply",
			ArgsUsage: "<method> [json]",
			Action:    callCommand,
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "timeout",
					Value: 5 * time.Second,
					Usage: "give up after this long",
				},
				cli.BoolFlag{
					Name:  "no-result",
					Usage: "only wait for the acknowledgement, discard any result",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds what both commands share.
func setup() (*config.Config, *zap.Logger, *parcel.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, parcel.NewPool(64, cfg.CodecType()), nil
}

// newRegistry connects to etcd when endpoints are configured. Otherwise the
// registry only knows the configured address, which is enough for one host.
func newRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	}

	reg := registry.NewMemoryRegistry()
	return reg, func() {}, nil
}

func localEndpoint(cfg *config.Config) registry.Endpoint {
	return registry.Endpoint{
		Network: cfg.Server.Network,
		Addr:    cfg.Advertised(),
		Weight:  10,
	}
}
