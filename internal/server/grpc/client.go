package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls LicenseCore methods over an established connection.
type Client struct {
	conn    grpc.ClientConnInterface
	session string
}

// NewClient returns a client using conn.
func NewClient(conn grpc.ClientConnInterface) *Client { return &Client{conn: conn} }

// WithSession returns a copy of the client that authenticates as session id.
func (c *Client) WithSession(id string) *Client {
	cp := *c
	cp.session = id
	return &cp
}

// Call invokes method with the given fields and returns the response fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if c.session != "" {
		ctx = OutgoingSession(ctx, c.session)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
