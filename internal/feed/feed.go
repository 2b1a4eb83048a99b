// Package feed delivers the portal's row-level change stream to client
// sessions. Events carry a monotonic log sequence number; the transport is
// at-least-once and may reorder across reconnects, so consumers keep a
// watermark and drop anything at or below it.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/cordonlabs/cordon/internal/domain"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Table string

const (
	TableAccount    Table = "accounts"
	TableClient     Table = "clients"
	TableResource   Table = "resources"
	TableSite       Table = "gateway_groups"
	TableGroup      Table = "actor_groups"
	TableMembership Table = "actor_group_memberships"
	TablePolicy     Table = "policies"
	TableToken      Table = "tokens"
)

// Change is one row-level mutation. Struct holds the row after the
// operation, OldStruct the row before it (updates and deletes only).
type Change struct {
	LSN       uint64          `json:"lsn"`
	Op        Op              `json:"op"`
	Table     Table           `json:"table"`
	AccountID string          `json:"account_id"`
	Struct    json.RawMessage `json:"struct,omitempty"`
	OldStruct json.RawMessage `json:"old_struct,omitempty"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("empty struct payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding struct payload: %w", err)
	}
	return v, nil
}

func (c Change) Account() (domain.Account, error) { return decode[domain.Account](c.Struct) }
func (c Change) Client() (domain.Client, error)   { return decode[domain.Client](c.Struct) }
func (c Change) Resource() (domain.Resource, error) {
	return decode[domain.Resource](c.Struct)
}
func (c Change) OldResource() (domain.Resource, error) {
	return decode[domain.Resource](c.OldStruct)
}
func (c Change) Site() (domain.Site, error)     { return decode[domain.Site](c.Struct) }
func (c Change) Policy() (domain.Policy, error) { return decode[domain.Policy](c.Struct) }
func (c Change) OldPolicy() (domain.Policy, error) {
	return decode[domain.Policy](c.OldStruct)
}
func (c Change) Membership() (domain.Membership, error) {
	return decode[domain.Membership](c.Struct)
}
func (c Change) OldMembership() (domain.Membership, error) {
	return decode[domain.Membership](c.OldStruct)
}
func (c Change) Token() (domain.Token, error) { return decode[domain.Token](c.Struct) }

// OldClient decodes the pre-image of a client update or delete.
func (c Change) OldClient() (domain.Client, error) { return decode[domain.Client](c.OldStruct) }

// OldAccount decodes the pre-image of an account update or delete.
func (c Change) OldAccount() (domain.Account, error) { return decode[domain.Account](c.OldStruct) }
