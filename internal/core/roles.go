package core

import "strings"

// Role is a canonical account role the repair engine needs to post against.
// Resolution maps a tenant's arbitrary chart of accounts onto these roles.
type Role string

const (
	RoleAR              Role = "accounts_receivable"
	RoleRevenue         Role = "revenue"
	RoleVATPayable      Role = "vat_payable"
	RoleCash            Role = "cash"
	RoleBank            Role = "bank"
	RoleInventory       Role = "inventory"
	RoleCOGS            Role = "cogs"
	RoleCustomerAdvance Role = "customer_advance"
)

// RoleMap holds the resolved account id per role. A missing key means the
// role is unresolved for this tenant; engine phases that need an unresolved
// role skip their postings rather than fail.
type RoleMap map[Role]int

// AccountID returns the resolved account id for r, if any.
func (m RoleMap) AccountID(r Role) (int, bool) {
	id, ok := m[r]
	return id, ok
}

// Resolved reports whether r resolved to an account.
func (m RoleMap) Resolved(r Role) bool {
	_, ok := m[r]
	return ok
}

// roleSpec is one prioritized rule row: the strategies are tried in a fixed
// order (sub-type equality, name keyword, conventional default code, account
// type) and the first account matching a strategy wins, ties broken by input
// order. Deterministic but tenant-dependent, since the role is logical rather
// than structural.
type roleSpec struct {
	role        Role
	subType     string
	keywords    []string
	defaultCode string
	accountType AccountType
}

var roleSpecs = []roleSpec{
	{RoleAR, "accounts_receivable", []string{"receivable"}, "1100", Asset},
	{RoleRevenue, "sales_revenue", []string{"revenue", "sales"}, "4000", Income},
	// The VAT keyword list includes the localized term used by tenants whose
	// chart of accounts is not in English.
	{RoleVATPayable, "vat_payable", []string{"vat", "ppn"}, "2100", Liability},
	{RoleCash, "cash", []string{"cash"}, "1000", Asset},
	{RoleBank, "bank", []string{"bank"}, "1010", Asset},
	{RoleInventory, "inventory", []string{"inventory"}, "1200", Asset},
	{RoleCOGS, "cogs", []string{"cogs", "cost of goods"}, "5000", Expense},
	{RoleCustomerAdvance, "customer_advance", []string{"advance"}, "1500", Liability},
}

// ResolveRoles assigns each canonical role to one account from the given
// chart of accounts, or leaves it unresolved when no strategy matches.
func ResolveRoles(accounts []Account) RoleMap {
	roles := make(RoleMap, len(roleSpecs))
	for _, spec := range roleSpecs {
		if id, ok := resolveRole(accounts, spec); ok {
			roles[spec.role] = id
		}
	}
	return roles
}

func resolveRole(accounts []Account, spec roleSpec) (int, bool) {
	// 1. Sub-type equality.
	for _, a := range accounts {
		if a.SubType != "" && strings.EqualFold(a.SubType, spec.subType) {
			return a.ID, true
		}
	}
	// 2. Name contains a role keyword.
	for _, a := range accounts {
		name := strings.ToLower(a.Name)
		for _, kw := range spec.keywords {
			if strings.Contains(name, kw) {
				return a.ID, true
			}
		}
	}
	// 3. Conventional default account code.
	for _, a := range accounts {
		if a.Code == spec.defaultCode {
			return a.ID, true
		}
	}
	// 4. Account type as last resort.
	for _, a := range accounts {
		if a.Type == spec.accountType {
			return a.ID, true
		}
	}
	return 0, false
}
