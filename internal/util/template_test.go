package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got, err := RenderTemplate("Hi {name}, your code is {code}.", map[string]string{
		"name": "Ana",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hi Ana, your code is 1234." {
		t.Fatalf("got %q", got)
	}
}

func TestRenderTemplateUnresolvedVariable(t *testing.T) {
	_, err := RenderTemplate("Hi {name}, ref {ref}", map[string]string{"name": "Ana"})
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "{ref}") {
		t.Fatalf("error does not name the variable: %v", err)
	}
}

func TestRenderTemplateNoPlaceholders(t *testing.T) {
	got, err := RenderTemplate("plain text", nil)
	if err != nil || got != "plain text" {
		t.Fatalf("got (%q, %v)", got, err)
	}
}

func TestPrefixedIDs(t *testing.T) {
	id := NewJobID()
	if !strings.HasPrefix(id, "job_") {
		t.Fatalf("job id missing prefix: %q", id)
	}
	if id == NewJobID() {
		t.Fatal("ids are not unique")
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone("  +55 11 99999 0000 "); got != "+5511999990000" {
		t.Fatalf("got %q", got)
	}
}
