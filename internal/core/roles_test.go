package core_test

import (
	"testing"

	"ledger-audit/internal/core"
)

func TestResolveRoles_SubTypeWinsOverKeywordAndCode(t *testing.T) {
	accounts := []core.Account{
		// Keyword and default-code matches that must lose to the sub-type row.
		{ID: 1, Code: "1100", Name: "Trade Receivable", Type: core.Asset},
		{ID: 2, Code: "9999", Name: "Misc", Type: core.Asset, SubType: "accounts_receivable"},
	}

	roles := core.ResolveRoles(accounts)
	id, ok := roles.AccountID(core.RoleAR)
	if !ok {
		t.Fatal("expected accounts_receivable role to resolve")
	}
	if id != 2 {
		t.Errorf("expected sub-type match (account 2) to win, got account %d", id)
	}
}

func TestResolveRoles_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		accounts []core.Account
		role     core.Role
		wantID   int
	}{
		{
			name: "keyword match is case-insensitive",
			accounts: []core.Account{
				{ID: 1, Code: "9000", Name: "Trade RECEIVABLE", Type: core.Liability},
			},
			role:   core.RoleAR,
			wantID: 1,
		},
		{
			name: "localized vat keyword",
			accounts: []core.Account{
				{ID: 1, Code: "9000", Name: "Hutang PPN", Type: core.Liability},
			},
			role:   core.RoleVATPayable,
			wantID: 1,
		},
		{
			name: "default code when name and sub-type say nothing",
			accounts: []core.Account{
				{ID: 1, Code: "4000", Name: "Main Operating", Type: core.Income},
			},
			role:   core.RoleRevenue,
			wantID: 1,
		},
		{
			name: "account type as last resort",
			accounts: []core.Account{
				{ID: 1, Code: "9100", Name: "Operating Costs", Type: core.Expense},
			},
			role:   core.RoleCOGS,
			wantID: 1,
		},
		{
			name: "input order breaks keyword ties",
			accounts: []core.Account{
				{ID: 7, Code: "1001", Name: "Petty Cash", Type: core.Asset},
				{ID: 8, Code: "1000", Name: "Cash on Hand", Type: core.Asset},
			},
			role:   core.RoleCash,
			wantID: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roles := core.ResolveRoles(tt.accounts)
			id, ok := roles.AccountID(tt.role)
			if !ok {
				t.Fatalf("expected role %s to resolve", tt.role)
			}
			if id != tt.wantID {
				t.Errorf("role %s resolved to account %d, want %d", tt.role, id, tt.wantID)
			}
		})
	}
}

func TestResolveRoles_Unresolved(t *testing.T) {
	roles := core.ResolveRoles(nil)
	if len(roles) != 0 {
		t.Fatalf("expected no roles from an empty chart of accounts, got %d", len(roles))
	}
	if roles.Resolved(core.RoleAR) {
		t.Error("expected accounts_receivable to be unresolved")
	}
	if _, ok := roles.AccountID(core.RoleBank); ok {
		t.Error("expected bank to be unresolved")
	}
}

func TestResolveRoles_OneAccountCanServeManyRoles(t *testing.T) {
	// A chart with a single asset account: every asset-typed role falls back
	// to it. The resolver maps roles independently, it does not partition.
	accounts := []core.Account{
		{ID: 3, Code: "9000", Name: "Everything", Type: core.Asset},
	}
	roles := core.ResolveRoles(accounts)
	for _, r := range []core.Role{core.RoleAR, core.RoleCash, core.RoleBank, core.RoleInventory} {
		id, ok := roles.AccountID(r)
		if !ok || id != 3 {
			t.Errorf("expected role %s to fall back to account 3, got %d (resolved=%v)", r, id, ok)
		}
	}
	if roles.Resolved(core.RoleRevenue) {
		t.Error("expected revenue to stay unresolved with no income account")
	}
}
