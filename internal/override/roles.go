package override

import "context"

// StaticRoleResolver answers role checks from a fixed set of privileged
// users loaded from configuration. It never errs, so a grant denial
// from it is always an authorization decision rather than an outage.
type StaticRoleResolver struct {
	privileged map[string]struct{}
}

// NewStaticRoleResolver creates a resolver over the given user list
func NewStaticRoleResolver(users []string) *StaticRoleResolver {
	privileged := make(map[string]struct{}, len(users))
	for _, user := range users {
		privileged[user] = struct{}{}
	}
	return &StaticRoleResolver{privileged: privileged}
}

// HasPrivilegedRole reports whether user appears in the configured list
func (r *StaticRoleResolver) HasPrivilegedRole(_ context.Context, user string) (bool, error) {
	_, ok := r.privileged[user]
	return ok, nil
}
