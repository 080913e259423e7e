// Package oai holds the protocol-level configuration shared by the
// verb validator, the token codec, and the response assembler.
package oai

import "time"

// Config holds the repository-facing protocol settings.
type Config struct {
	// BaseURL is the externally visible endpoint URL echoed in every
	// response.
	BaseURL string `yaml:"base_url"`

	// RepositoryName is returned by Identify.
	RepositoryName string `yaml:"repository_name"`

	// AdminEmails is returned by Identify.
	AdminEmails []string `yaml:"admin_emails"`

	// IDPrefix is prepended to internal ids when minting external
	// identifiers, e.g. "oai:example.org:".
	IDPrefix string `yaml:"id_prefix"`

	// PageSize is the number of records per list page.
	PageSize int `yaml:"page_size"`

	// TokenSecret signs resumption tokens.
	TokenSecret string `yaml:"token_secret"`

	// TokenTTL is how long a resumption token stays valid.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// EarliestDatestamp is the fallback lower bound advertised by
	// Identify when the corpus is empty.
	EarliestDatestamp string `yaml:"earliest_datestamp"`

	// AdminKeyHash is the argon2id hash of the set-administration API
	// key. Empty disables the admin API.
	AdminKeyHash string `yaml:"admin_key_hash"`
}

// DefaultConfig returns default protocol settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080/oai2d",
		RepositoryName:    "OAI Repository",
		IDPrefix:          "oai:localhost:",
		PageSize:          10,
		TokenTTL:          time.Minute,
		EarliestDatestamp: "2002-01-01T00:00:00Z",
	}
}
