package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Store backend names accepted by -store.
const (
	StoreMemory     = "memory"
	StorePostgres   = "postgres"
	StoreDynamoDB   = "dynamodb"
	StoreServiceNow = "servicenow"
)

// DefaultMemoryCaller is the caller id used by the memory store when
// -caller-id is empty.
const DefaultMemoryCaller = "ekarasync"

// Config holds application-specific configuration. It follows the same
// RegisterFlags/Validate shape as the go-core package configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	IncidentTable    string
	ResolveIncidents bool
	StrictStatus     bool

	Store          string
	DatabaseURL    string
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	ServiceNowURL         string
	ServiceNowUser        string
	ServiceNowPassword    string
	ServiceNowLegacyMatch bool

	CallerID      string
	APIToken      string
	BasicUser     string
	BasicPassword string

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.IncidentTable, "incident-table", "incident", "table new incidents are inserted into")
	fs.BoolVar(&c.ResolveIncidents, "resolve-incidents", true, "resolve the correlated incident when an End alert arrives")
	fs.BoolVar(&c.StrictStatus, "strict-status", false, "map sync outcomes to HTTP status codes instead of always 200")
	fs.StringVar(&c.Store, "store", StoreMemory, "incident store backend (memory|postgres|dynamodb|servicenow)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for -store=postgres")
	fs.StringVar(&c.DynamoTable, "dynamo-table", "", "DynamoDB table for -store=dynamodb")
	fs.StringVar(&c.DynamoRegion, "dynamo-region", "", "AWS region for DynamoDB (empty = SDK default chain)")
	fs.StringVar(&c.DynamoEndpoint, "dynamo-endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000 for DynamoDB Local")
	fs.StringVar(&c.ServiceNowURL, "servicenow-url", "", "ServiceNow instance URL for -store=servicenow")
	fs.StringVar(&c.ServiceNowUser, "servicenow-user", "", "ServiceNow integration user")
	fs.StringVar(&c.ServiceNowPassword, "servicenow-password", "", "ServiceNow integration user password")
	fs.BoolVar(&c.ServiceNowLegacyMatch, "servicenow-legacy-match", true, "also match incidents whose description contains the alert id")
	fs.StringVar(&c.CallerID, "caller-id", "", "caller id recorded on new incidents (required for postgres and dynamodb, defaults to "+DefaultMemoryCaller+" for memory, not used with servicenow)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the webhook (empty = no bearer auth)")
	fs.StringVar(&c.BasicUser, "basic-user", "", "basic auth user required on the webhook")
	fs.StringVar(&c.BasicPassword, "basic-password", "", "basic auth password required on the webhook")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for incident notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.IncidentTable == "" {
		errs = append(errs, errors.New("INCIDENT_TABLE is required"))
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for store postgres"))
		}
	case StoreDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("DYNAMO_TABLE is required for store dynamodb"))
		}
	case StoreServiceNow:
		if c.ServiceNowURL == "" {
			errs = append(errs, errors.New("SERVICENOW_URL is required for store servicenow"))
		}
		if c.ServiceNowUser == "" || c.ServiceNowPassword == "" {
			errs = append(errs, errors.New("SERVICENOW_USER and SERVICENOW_PASSWORD are required for store servicenow"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory, postgres, dynamodb or servicenow)", c.Store))
	}

	// ServiceNow resolves the caller from its own user table, memory has a default
	if (c.Store == StorePostgres || c.Store == StoreDynamoDB) && c.CallerID == "" {
		errs = append(errs, fmt.Errorf("CALLER_ID is required for store %s", c.Store))
	}

	if (c.BasicUser == "") != (c.BasicPassword == "") {
		errs = append(errs, errors.New("BASIC_USER and BASIC_PASSWORD must be set together"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
