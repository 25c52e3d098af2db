package main

import (
	"context"
	"errors"
	"os"

	"mini-call/callee"
	"mini-call/parcel"
)

type pong struct {
	Pong bool   `json:"pong" msgpack:"pong"`
	Host string `json:"host" msgpack:"host"`
}

type sumArgs struct {
	Values []float64 `json:"values" msgpack:"values"`
}

type sumReply struct {
	Sum   float64 `json:"sum" msgpack:"sum"`
	Count int     `json:"count" msgpack:"count"`
}

// demo is the object served by "callrpc serve".
type demo struct {
	host string
}

func newDemo() *demo {
	host, _ := os.Hostname()
	return &demo{host: host}
}

// Echo returns the payload unchanged.
func (d *demo) Echo(ctx context.Context, data *parcel.Parcel) (map[string]any, error) {
	var in map[string]any
	if err := data.ReadStructured(&in); err != nil {
		return nil, err
	}
	return in, nil
}

func (d *demo) Ping(ctx context.Context, data *parcel.Parcel) (*pong, error) {
	return &pong{Pong: true, Host: d.host}, nil
}

func (d *demo) Sum(ctx context.Context, args *sumArgs) (*sumReply, error) {
	if len(args.Values) == 0 {
		return nil, errors.New("sum: no values")
	}
	var total float64
	for _, v := range args.Values {
		total += v
	}
	return &sumReply{Sum: total, Count: len(args.Values)}, nil
}

func newDemoCallee(descriptor string, opts ...callee.Option) (*callee.Callee, error) {
	c := callee.New(descriptor, opts...)
	if _, err := c.RegisterObject(newDemo()); err != nil {
		return nil, err
	}
	return c, nil
}
