package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/ekarasync/internal/cfg"
	"github.com/linnemanlabs/ekarasync/internal/incident"
	"github.com/linnemanlabs/ekarasync/internal/incident/dynamostore"
	"github.com/linnemanlabs/ekarasync/internal/incident/memstore"
	"github.com/linnemanlabs/ekarasync/internal/incident/pgstore"
	"github.com/linnemanlabs/ekarasync/internal/postgres"
	"github.com/linnemanlabs/ekarasync/internal/servicenow"
)

// openStore builds the configured incident store and the identity used for
// caller_id. The returned close func is never nil.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (incident.Store, incident.Identity, func(), error) {
	noop := func() {}
	caller := incident.StaticCaller(c.CallerID)

	switch c.Store {
	case vc.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, noop, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, caller, pool.Close, nil

	case vc.StoreDynamoDB:
		st, err := dynamostore.New(ctx, dynamostore.Config{
			Table:    c.DynamoTable,
			Region:   c.DynamoRegion,
			Endpoint: c.DynamoEndpoint,
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("dynamostore init: %w", err)
		}
		L.Info(ctx, "using dynamodb store", "table", c.DynamoTable, "endpoint", c.DynamoEndpoint)
		return st, caller, noop, nil

	case vc.StoreServiceNow:
		client, err := servicenow.NewClient(servicenow.Config{
			BaseURL:  c.ServiceNowURL,
			Username: c.ServiceNowUser,
			Password: c.ServiceNowPassword,
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("servicenow client: %w", err)
		}
		st := servicenow.NewStore(client, c.ServiceNowLegacyMatch, L)
		L.Info(ctx, "using servicenow store",
			"instance", c.ServiceNowURL,
			"user", client.Username(),
			"legacy_match", c.ServiceNowLegacyMatch,
		)
		return st, st, noop, nil

	default:
		if caller == "" {
			caller = vc.DefaultMemoryCaller
		}
		L.Info(ctx, "using in-memory store", "caller_id", string(caller))
		return memstore.New(), caller, noop, nil
	}
}
