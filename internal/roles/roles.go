// Package roles holds the trusted identities: admin, relayer and executor.
package roles

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"powerhorse/internal/audit"
	"powerhorse/internal/domain"
)

type Role string

const (
	Admin    Role = "admin"
	Relayer  Role = "relayer"
	Executor Role = "executor"
)

func Parse(s string) (Role, error) {
	switch Role(s) {
	case Admin, Relayer, Executor:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Registry is safe for concurrent use. Only the admin may change a role.
type Registry struct {
	mu      sync.RWMutex
	holders map[Role]common.Address
	events  audit.Sink
	log     *logrus.Entry
}

func NewRegistry(admin, relayer, executor common.Address, events audit.Sink, log *logrus.Entry) *Registry {
	return &Registry{
		holders: map[Role]common.Address{
			Admin:    admin,
			Relayer:  relayer,
			Executor: executor,
		},
		events: events,
		log:    log,
	}
}

func (r *Registry) Holder(role Role) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holders[role]
}

func (r *Registry) Admin() common.Address    { return r.Holder(Admin) }
func (r *Registry) Relayer() common.Address  { return r.Holder(Relayer) }
func (r *Registry) Executor() common.Address { return r.Holder(Executor) }

func (r *Registry) IsAdmin(addr common.Address) bool {
	return addr != (common.Address{}) && addr == r.Admin()
}

func (r *Registry) IsRelayer(addr common.Address) bool {
	return addr != (common.Address{}) && addr == r.Relayer()
}

func (r *Registry) IsExecutorOrAdmin(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return addr == r.holders[Executor] || addr == r.holders[Admin]
}

// Set replaces the holder of role and emits a role.updated event.
func (r *Registry) Set(ctx context.Context, caller common.Address, role Role, addr common.Address) error {
	if addr == (common.Address{}) {
		return domain.ErrInvalidAddress
	}

	r.mu.Lock()
	admin := r.holders[Admin]
	if caller == (common.Address{}) || caller != admin {
		r.mu.Unlock()
		return domain.ErrUnauthorized
	}
	if _, ok := r.holders[role]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown role %q", role)
	}
	previous := r.holders[role]
	r.holders[role] = addr
	r.mu.Unlock()

	audit.Emit(ctx, r.events, r.log, audit.NewEvent(audit.KindRoleUpdated, "role:"+string(role), caller, map[string]any{
		"role":     string(role),
		"previous": previous.Hex(),
		"current":  addr.Hex(),
	}))
	return nil
}
