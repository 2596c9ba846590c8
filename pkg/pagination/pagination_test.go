package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromRequestDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p := FromRequest(req)
	if p.Page != 1 || p.Limit != DefaultLimit {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if p.Offset() != 0 {
		t.Fatalf("expected offset 0, got %d", p.Offset())
	}
}

func TestFromRequestCustomValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=3&limit=25", nil)
	p := FromRequest(req)
	if p.Page != 3 || p.Limit != 25 {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.Offset() != 50 {
		t.Fatalf("expected offset 50, got %d", p.Offset())
	}
}

func TestFromRequestClampsLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=-2&limit=1000", nil)
	p := FromRequest(req)
	if p.Page != 1 || p.Limit != MaxLimit {
		t.Fatalf("expected clamped params, got %+v", p)
	}
}

func TestNewMeta(t *testing.T) {
	tests := []struct {
		total int
		pages int
		next  bool
	}{
		{0, 0, false},
		{10, 1, false},
		{11, 2, true},
		{25, 3, true},
	}
	for _, tt := range tests {
		meta := NewMeta(Params{Page: 1, Limit: 10}, tt.total)
		if meta.Pages != tt.pages {
			t.Errorf("total %d: expected %d pages, got %d", tt.total, tt.pages, meta.Pages)
		}
		if meta.HasNext() != tt.next {
			t.Errorf("total %d: expected HasNext=%v", tt.total, tt.next)
		}
	}
}
