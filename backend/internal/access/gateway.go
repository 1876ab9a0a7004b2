// Package access adapts the external access-control service the room manager
// consults before letting a user join.
package access

import "context"

// Gateway answers whether userID may join the resource.
type Gateway interface {
	CanAccess(ctx context.Context, userID, resourceID, resourceType string) (bool, error)
}

// AllowAll grants everything. Development only.
type AllowAll struct{}

func (AllowAll) CanAccess(context.Context, string, string, string) (bool, error) { return true, nil }

// GatewayFunc lets a plain function serve as a Gateway.
type GatewayFunc func(ctx context.Context, userID, resourceID, resourceType string) (bool, error)

func (f GatewayFunc) CanAccess(ctx context.Context, userID, resourceID, resourceType string) (bool, error) {
	return f(ctx, userID, resourceID, resourceType)
}
