package scim

// Schema URNs used on the wire.
const (
	SchemaListResponse  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError         = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaPatchOp       = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaSearchRequest = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
	SchemaUser          = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup         = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaEnterprise    = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
)

// ContentType is the media type SCIM responses always carry.
const ContentType = "application/scim+json"

// ListResponse is the RFC 7644 list envelope. Resources are documents so
// attribute projection can drop arbitrary keys without fighting a struct.
type ListResponse struct {
	Schemas      []string   `json:"schemas"`
	TotalResults int        `json:"totalResults"`
	StartIndex   int        `json:"startIndex"`
	ItemsPerPage int        `json:"itemsPerPage"`
	Resources    []Document `json:"Resources"`
}

// NewListResponse builds a list envelope with the ListResponse schema set.
func NewListResponse(total, startIndex int, resources []Document) *ListResponse {
	if resources == nil {
		resources = []Document{}
	}
	return &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	}
}

// ErrorResponse is the RFC 7644 Error schema body.
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	ScimType string   `json:"scimType,omitempty"`
}

// PatchOp is a SCIM PATCH request body.
type PatchOp struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single op within a PATCH request.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// SearchRequest is the POST /.search body (RFC 7644 Section 3.4.3).
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Filter             string   `json:"filter,omitempty"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
	StartIndex         int      `json:"startIndex,omitempty"`
	Count              int      `json:"count,omitempty"`
	SortBy             string   `json:"sortBy,omitempty"`
	SortOrder          string   `json:"sortOrder,omitempty"`
}

// Pagination limits. The server caps count at MaxPageSize and defaults to
// DefaultPageSize when the client sends none.
const (
	DefaultPageSize = 100
	MaxPageSize     = 200
)

// QueryParams are the list-operation parameters after normalization.
type QueryParams struct {
	Filter       string
	Attributes   []string
	ExcludedAttr []string
	StartIndex   int
	Count        int
	// CountSet distinguishes count=0 (empty page, total still reported)
	// from an absent count parameter.
	CountSet  bool
	SortBy    string
	SortOrder string
}

// PageSize resolves the effective page size: default when unset, capped at
// the maximum, and an explicit 0 honored as an empty page.
func (q QueryParams) PageSize() int {
	if !q.CountSet {
		return DefaultPageSize
	}
	if q.Count < 0 {
		return 0
	}
	if q.Count > MaxPageSize {
		return MaxPageSize
	}
	return q.Count
}

// Paginate slices resources by the 1-indexed startIndex and page size.
func Paginate(resources []Document, startIndex, size int) []Document {
	if startIndex < 1 {
		startIndex = 1
	}
	start := startIndex - 1
	if start >= len(resources) || size <= 0 {
		return []Document{}
	}
	end := min(start+size, len(resources))
	return resources[start:end]
}
