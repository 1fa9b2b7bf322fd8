package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
)

// Action is what a caller wants to do to a document.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
	ActionDelete Action = "delete"
)

// Authorizer decides whether the user in ctx (doc.UserFrom) may act on a
// document instance. Denials wrap loan.ErrPermissionDenied.
type Authorizer interface {
	Authorize(ctx context.Context, doctype string, action Action, name string) error
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action, string) error { return nil }

// Grant allows one action on one document type. DocType "*" matches every
// type.
type Grant struct {
	DocType string `json:"doctype"`
	Action  Action `json:"action"`
}

// RoleTable maps users to roles and roles to grants.
type RoleTable struct {
	Users  map[string][]string `json:"users"`
	Grants map[string][]Grant  `json:"grants"`
}

// LoadRoleTable reads a RoleTable from a JSON file.
func LoadRoleTable(path string) (*RoleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role table: %w", err)
	}
	var rt RoleTable
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("failed to parse role table %s: %w", path, err)
	}
	return &rt, nil
}

func (rt *RoleTable) Authorize(ctx context.Context, doctype string, action Action, name string) error {
	user := doc.UserFrom(ctx)
	for _, role := range rt.Users[user] {
		for _, g := range rt.Grants[role] {
			if (g.DocType == "*" || g.DocType == doctype) && g.Action == action {
				return nil
			}
		}
	}
	if user == "" {
		user = "anonymous"
	}
	return fmt.Errorf("%w: %s may not %s %s %s", loan.ErrPermissionDenied, user, action, doctype, name)
}
