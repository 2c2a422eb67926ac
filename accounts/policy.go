package accounts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freightdesk/mailingest/consts"
)

// StaticPolicy is an AccessPolicy backed by a fixed principal to account list
// mapping from configuration.
type StaticPolicy struct {
	all    map[string]bool
	grants map[string]map[int]bool
}

// NewStaticPolicy validates the mapping against the registry's accounts.
func NewStaticPolicy(access map[string][]string, r *Registry) (*StaticPolicy, error) {
	p := &StaticPolicy{
		all:    make(map[string]bool),
		grants: make(map[string]map[int]bool),
	}
	for principal, entries := range access {
		principal = strings.TrimSpace(principal)
		for _, entry := range entries {
			entry = strings.TrimSpace(entry)
			if entry == AllAccounts {
				p.all[principal] = true
				continue
			}
			id, err := strconv.Atoi(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: accounts.access.%s: %q is not an account id", consts.ErrInvalidConfig, principal, entry)
			}
			if _, ok := r.Get(id); !ok {
				return nil, fmt.Errorf("%w: accounts.access.%s: account %d is not configured", consts.ErrInvalidConfig, principal, id)
			}
			if p.grants[principal] == nil {
				p.grants[principal] = make(map[int]bool)
			}
			p.grants[principal][id] = true
		}
	}
	return p, nil
}

func (p *StaticPolicy) CanAccess(principal string, accountID int) bool {
	return p.all[principal] || p.grants[principal][accountID]
}
