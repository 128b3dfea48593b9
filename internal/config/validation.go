package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate performs fail-fast range checks on the loaded configuration.
// Errors wrap the package sentinels so callers can match with errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.EmbedderDimension < 1 || c.EmbedderDimension > 16000 {
		return fmt.Errorf("%w: %d (pgvector supports up to 16000 dimensions)",
			ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	if c.Sync.DebounceMs < 10 || c.Sync.DebounceMs > 60000 {
		return fmt.Errorf("%w: %dms out of range 10ms-60s", ErrInvalidDebounce, c.Sync.DebounceMs)
	}
	if c.Sync.ChunkThresholdLines < 1 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidChunkThreshold, c.Sync.ChunkThresholdLines)
	}

	if err := validateRelevance("query.min_relevance_rag", c.Query.MinRelevanceRAG); err != nil {
		return err
	}
	if err := validateRelevance("query.min_relevance_search", c.Query.MinRelevanceSearch); err != nil {
		return err
	}
	for key, override := range c.Tenants {
		if override.MinRelevanceRAG != nil {
			if err := validateRelevance("tenants."+key+".min_relevance_rag", *override.MinRelevanceRAG); err != nil {
				return err
			}
		}
		if override.MinRelevanceSearch != nil {
			if err := validateRelevance("tenants."+key+".min_relevance_search", *override.MinRelevanceSearch); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateRelevance(field string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v must be within [0, 1]", ErrInvalidRelevance, field, v)
	}
	return nil
}
