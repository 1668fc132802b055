package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// User directory RPCs. Requests and replies are google.protobuf.Struct
// messages, so no generated stubs are needed.
const (
	DirectoryService         = "platform.v1.UserDirectory"
	directoryGetUser         = "/" + DirectoryService + "/GetUser"
	directoryFindUserByPhone = "/" + DirectoryService + "/FindUserByPhone"
	directoryFindUsersByRole = "/" + DirectoryService + "/FindUsersByRole"
)

// IdentityGRPCClient looks users up in the platform user directory.
type IdentityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewIdentityGRPCClient dials the user directory. Calls without a deadline
// are bounded by timeout.
func NewIdentityGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*IdentityGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, withTimeout(timeout)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Unavailable("user directory", err)
	}
	return &IdentityGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetUser returns the user with the given id, or nil when none exists.
func (c *IdentityGRPCClient) GetUser(ctx context.Context, id string) (*User, error) {
	return c.lookup(ctx, directoryGetUser, map[string]any{"id": id})
}

// FindUserByPhone returns the user registered with phone, or nil.
func (c *IdentityGRPCClient) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	return c.lookup(ctx, directoryFindUserByPhone, map[string]any{"phone": phone})
}

// FindUsersByRole returns every user holding role across the directory.
func (c *IdentityGRPCClient) FindUsersByRole(ctx context.Context, role string) ([]User, error) {
	req, err := structpb.NewStruct(map[string]any{"role": role})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to build directory request")
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, directoryFindUsersByRole, req, reply); err != nil {
		return nil, errors.Unavailable("user directory", err)
	}

	list := reply.GetFields()["users"].GetListValue()
	users := make([]User, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if u := userFromStruct(v.GetStructValue()); u != nil {
			users = append(users, *u)
		}
	}
	return users, nil
}

func (c *IdentityGRPCClient) lookup(ctx context.Context, method string, fields map[string]any) (*User, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to build directory request")
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, errors.Unavailable("user directory", err)
	}
	return userFromStruct(reply), nil
}

func userFromStruct(s *structpb.Struct) *User {
	f := s.GetFields()
	id := f["id"].GetStringValue()
	if id == "" {
		return nil
	}
	return &User{
		ID:    id,
		Name:  f["name"].GetStringValue(),
		Phone: f["phone"].GetStringValue(),
		Role:  f["role"].GetStringValue(),
	}
}
