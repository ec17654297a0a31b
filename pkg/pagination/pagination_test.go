package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/claims"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-9", DefaultLimit, 0},
		{"?limit=10&page=3", 10, 20},
		{"?limit=10&page=3&offset=5", 10, 5},
		{"?page=0", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%q: expected limit %d offset %d, got %d %d", tt.query, tt.limit, tt.offset, p.Limit, p.Offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 45, 20, 20)
	if r.Page != 2 {
		t.Errorf("expected page 2, got %d", r.Page)
	}
	if !r.HasMore {
		t.Error("expected more results after offset 20")
	}

	r = NewResponse(nil, 45, 20, 40)
	if r.HasMore || r.Page != 3 {
		t.Errorf("last page: has_more %v, page %d", r.HasMore, r.Page)
	}
}
