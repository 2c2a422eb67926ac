// Package accounts loads mailbox credentials and answers which accounts a
// principal may read.
//
// Credentials come from environment entries of the form
//
//	ACCOUNT_CONFIG_1=ops@example.com:app-password
//	ACCOUNT_CONFIG_2=billing@example.com:another-secret
//
// optionally read from a dotenv file. The numeric suffix is the account id.
package accounts

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/helpers"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/joho/godotenv"
)

var accountKeyPattern = regexp.MustCompile(`^ACCOUNT_CONFIG_([0-9]+)$`)

// AllAccounts is the access-list wildcard and the fetch selector for every account.
const AllAccounts = "*"

// SystemPrincipal is used by in-process callers such as the poller and the
// admin CLI. It may use every account regardless of policy and is never
// accepted from a remote caller.
const SystemPrincipal = "_system"

// AccessPolicy decides whether principal may use accountID. Authentication
// happens elsewhere; the principal is an opaque string.
type AccessPolicy interface {
	CanAccess(principal string, accountID int) bool
}

// Registry is the immutable set of configured accounts.
type Registry struct {
	accounts map[int]models.Account
	ids      []int
	policy   AccessPolicy
}

// Load reads accounts from the process environment, falling back to
// cfg.EnvFile for keys the environment does not define.
func Load(cfg config.AccountsConfig) (*Registry, error) {
	env := make(map[string]string)
	if cfg.EnvFile != "" {
		fileEnv, err := godotenv.Read(cfg.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", consts.ErrInvalidConfig, cfg.EnvFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return FromEnv(env, cfg)
}

// FromEnv builds a registry from key/value pairs. Keys that do not match
// ACCOUNT_CONFIG_{n} are ignored.
func FromEnv(env map[string]string, cfg config.AccountsConfig) (*Registry, error) {
	display := make(map[int]string, len(cfg.Display))
	for _, d := range cfg.Display {
		display[d.ID] = d.DisplayName
	}

	accounts := make(map[int]models.Account)
	for key, value := range env {
		m := accountKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 1 {
			return nil, fmt.Errorf("%w: %s: account id must be a positive integer", consts.ErrInvalidConfig, key)
		}
		address, secret, ok := strings.Cut(strings.TrimSpace(value), ":")
		address = strings.TrimSpace(address)
		if !ok || address == "" || secret == "" {
			return nil, fmt.Errorf("%w: %s: expected address:secret", consts.ErrInvalidConfig, key)
		}

		name := display[id]
		if name == "" {
			name = address
		}
		accounts[id] = models.Account{ID: id, Address: address, Secret: secret, DisplayName: name}
	}

	if len(accounts) == 0 {
		return nil, consts.ErrNoAccounts
	}

	r := New(accounts)
	if len(cfg.Access) > 0 {
		policy, err := NewStaticPolicy(cfg.Access, r)
		if err != nil {
			return nil, err
		}
		r.policy = policy
	}

	for _, id := range r.ids {
		logger.Info("Accounts: loaded", "account", id, "address", helpers.MaskAddress(accounts[id].Address))
	}
	return r, nil
}

// New wraps a fixed account set. Without an access policy every principal may
// use every account.
func New(accounts map[int]models.Account) *Registry {
	r := &Registry{accounts: accounts, ids: make([]int, 0, len(accounts))}
	for id := range accounts {
		r.ids = append(r.ids, id)
	}
	sort.Ints(r.ids)
	return r
}

// WithPolicy returns a copy of r that consults policy.
func (r *Registry) WithPolicy(policy AccessPolicy) *Registry {
	return &Registry{accounts: r.accounts, ids: r.ids, policy: policy}
}

// Get returns the account with the given id.
func (r *Registry) Get(id int) (models.Account, bool) {
	a, ok := r.accounts[id]
	return a, ok
}

// All returns every account ordered by id.
func (r *Registry) All() []models.Account {
	out := make([]models.Account, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.accounts[id])
	}
	return out
}

// IDs returns every account id in ascending order.
func (r *Registry) IDs() []int {
	return append([]int(nil), r.ids...)
}

// CanAccess reports whether principal may use accountID.
func (r *Registry) CanAccess(principal string, accountID int) bool {
	if _, ok := r.accounts[accountID]; !ok {
		return false
	}
	if r.policy == nil || principal == SystemPrincipal {
		return true
	}
	return r.policy.CanAccess(principal, accountID)
}

// Accessible returns the ids principal may use, ascending.
func (r *Registry) Accessible(principal string) []int {
	out := make([]int, 0, len(r.ids))
	for _, id := range r.ids {
		if r.CanAccess(principal, id) {
			out = append(out, id)
		}
	}
	return out
}

// Resolve turns a selector ("all", "*" or an id) into the accounts principal
// may use. A specific id the principal may not use yields ErrAccessDenied.
func (r *Registry) Resolve(principal, selector string) ([]models.Account, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "all" || selector == AllAccounts {
		ids := r.Accessible(principal)
		if len(ids) == 0 {
			return nil, consts.ErrAccessDenied
		}
		out := make([]models.Account, 0, len(ids))
		for _, id := range ids {
			out = append(out, r.accounts[id])
		}
		return out, nil
	}

	id, err := strconv.Atoi(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: account selector %q", consts.ErrInvalidRequest, selector)
	}
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", consts.ErrAccountNotFound, id)
	}
	if !r.CanAccess(principal, id) {
		return nil, consts.ErrAccessDenied
	}
	return []models.Account{a}, nil
}
