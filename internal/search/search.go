package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask  ResultType = "task"
	ResultChain ResultType = "chain"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	ChainID string     `json:"chainId,omitempty"`
	Status  string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	ChainID string `json:"chainId"`
	Status  string `json:"status"`
}

// ChainRecord is the data we index for a chain.
type ChainRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerName string `json:"ownerName"`
}
