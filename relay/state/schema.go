// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

const TableEvents = "events"

// eventRecord is the row stored in memdb. The indexable retention fields
// are lifted out of the event because memdb indexes struct fields directly.
type eventRecord struct {
	ID         string
	PubKey     string
	CreatedAt  int64
	Kind       int
	ReplaceKey string

	Event *structs.Event
}

func newEventRecord(e *structs.Event) *eventRecord {
	return &eventRecord{
		ID:         e.ID,
		PubKey:     e.PubKey,
		CreatedAt:  e.CreatedAt,
		Kind:       e.Kind,
		ReplaceKey: e.ReplaceKey(),
		Event:      e,
	}
}

// stateStoreSchema returns the memdb schema for the event table.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	events := eventTableSchema()
	db.Tables[events.Name] = events

	return db
}

// eventTableSchema returns the MemDB schema for the events table. The
// "create" index orders rows by (created_at, id) so reverse iteration
// yields newest-first without sorting.
func eventTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableEvents,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},

			"create": {
				Name:         "create",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.IntFieldIndex{
							Field: "CreatedAt",
						},
						&memdb.StringFieldIndex{
							Field: "ID",
						},
					},
				},
			},

			// Only replaceable and addressable rows carry a replace key;
			// the empty key keeps regular rows out of this index.
			"replace": {
				Name:         "replace",
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ReplaceKey",
				},
			},
		},
	}
}
