// ABOUTME: Per-account quota report for administrators
// ABOUTME: Lists today's used, limit and remaining for every enabled account

package quota

import (
	"context"
	"fmt"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/store"
)

// AccountStatus is one row of the quota report.
type AccountStatus struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Status
}

// AccountLister lists registered accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*store.Account, error)
}

// Report computes today's status for every enabled account.
func (r *Resolver) Report(ctx context.Context, accounts AccountLister) ([]AccountStatus, error) {
	list, err := accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	var out []AccountStatus
	for _, a := range list {
		if !a.Enabled {
			continue
		}
		p := &auth.Principal{AccountID: a.ID, Role: a.Role, DisplayName: a.DisplayName}
		st, err := r.Status(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.ID, err)
		}
		out = append(out, AccountStatus{
			AccountID:   a.ID,
			DisplayName: a.DisplayName,
			Role:        a.Role,
			Status:      st,
		})
	}
	return out, nil
}
