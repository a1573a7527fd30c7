package obfuscation

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Pagination 分页信息
type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasPrev bool `json:"has_prev"`
	HasNext bool `json:"has_next"`
}

// SnippetPage 一页证据
type SnippetPage struct {
	Snippets   []MatchEvidence `json:"snippets"`
	Pagination Pagination      `json:"pagination"`
}

// Paginate 对展示用证据分页，page 从 1 开始
func Paginate(evidence []MatchEvidence, page, perPage int) SnippetPage {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	total := len(evidence)
	start := (page - 1) * perPage
	end := start + perPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	snippets := make([]MatchEvidence, end-start)
	copy(snippets, evidence[start:end])

	return SnippetPage{
		Snippets: snippets,
		Pagination: Pagination{
			Page:    page,
			PerPage: perPage,
			Total:   total,
			Pages:   (total + perPage - 1) / perPage,
			HasPrev: page > 1,
			HasNext: end < total,
		},
	}
}
