package config

// Built-in query defaults. Precedence when resolving an effective value:
// call-site override > tenant override > these defaults.
const (
	DefaultMinRelevanceRAG    = 0.7
	DefaultMinRelevanceSearch = 0.5
	DefaultMaxResults         = 10
	DefaultMaxLinkedDocs      = 5
	DefaultLinkMaxDepth       = 2
)

// QuerySettings are the fully-resolved retrieval thresholds for one tenant.
type QuerySettings struct {
	// MinRelevanceRAG is the cosine-score floor for RAG queries.
	MinRelevanceRAG float64 `mapstructure:"min_relevance_rag" json:"min_relevance_rag"`
	// MinRelevanceSearch is the cosine-score floor for plain semantic search.
	MinRelevanceSearch float64 `mapstructure:"min_relevance_search" json:"min_relevance_search"`
	// MaxResults caps primary search results.
	MaxResults int `mapstructure:"max_results" json:"max_results"`
	// MaxLinkedDocs caps link-graph expansion per query.
	MaxLinkedDocs int `mapstructure:"max_linked_docs" json:"max_linked_docs"`
	// LinkMaxDepth bounds link-graph traversal depth.
	LinkMaxDepth int `mapstructure:"link_max_depth" json:"link_max_depth"`
}

// TenantOverride is a partial QuerySettings: nil fields inherit the
// application-level defaults. Keyed in Config.Tenants by "project/branch".
type TenantOverride struct {
	MinRelevanceRAG    *float64 `mapstructure:"min_relevance_rag" json:"min_relevance_rag,omitempty"`
	MinRelevanceSearch *float64 `mapstructure:"min_relevance_search" json:"min_relevance_search,omitempty"`
	MaxResults         *int     `mapstructure:"max_results" json:"max_results,omitempty"`
	MaxLinkedDocs      *int     `mapstructure:"max_linked_docs" json:"max_linked_docs,omitempty"`
	LinkMaxDepth       *int     `mapstructure:"link_max_depth" json:"link_max_depth,omitempty"`
}

// QueryFor resolves the effective query settings for a tenant key
// ("project/branch"). Unset override fields inherit the config defaults.
func (c *Config) QueryFor(tenantKey string) QuerySettings {
	resolved := c.Query
	override, ok := c.Tenants[tenantKey]
	if !ok {
		return resolved
	}
	if override.MinRelevanceRAG != nil {
		resolved.MinRelevanceRAG = *override.MinRelevanceRAG
	}
	if override.MinRelevanceSearch != nil {
		resolved.MinRelevanceSearch = *override.MinRelevanceSearch
	}
	if override.MaxResults != nil {
		resolved.MaxResults = *override.MaxResults
	}
	if override.MaxLinkedDocs != nil {
		resolved.MaxLinkedDocs = *override.MaxLinkedDocs
	}
	if override.LinkMaxDepth != nil {
		resolved.LinkMaxDepth = *override.LinkMaxDepth
	}
	return resolved
}
