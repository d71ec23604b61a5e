package config

import "strings"

// Environment identifies the runtime environment bookstream runs in.
type Environment string

// Dialect names a supported venue API flavour.
type Dialect string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// DialectV1 selects lowercase pair ids and numeric book lengths.
	DialectV1 Dialect = "bitfinex"
	// DialectV2 selects t-prefixed ids and configurable precision.
	DialectV2 Dialect = "bitfinex2"
)

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
