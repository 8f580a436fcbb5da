package reqctx

import (
	"net/http/httptest"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	r := httptest.NewRequest("GET", "/users/1", nil)
	c := Acquire(r)
	if c.Request != r {
		t.Error("expected request to be attached")
	}
	if c.StartTime.IsZero() {
		t.Error("expected start time to be set")
	}

	c.SetMeta("tenant", "acme")
	Release(c)

	c2 := Acquire(r)
	defer Release(c2)
	if _, ok := c2.Meta("tenant"); ok {
		t.Error("pooled context leaked metadata across requests")
	}
	if c2.Attempt != 0 {
		t.Error("pooled context leaked attempt counter")
	}
}

func TestMetadataBag(t *testing.T) {
	c := &Context{}
	if _, ok := c.Meta("missing"); ok {
		t.Error("expected miss on empty bag")
	}
	c.SetMeta("k", "v")
	if v, ok := c.Meta("k"); !ok || v != "v" {
		t.Errorf("expected v, got %q ok=%v", v, ok)
	}
}

func TestRequestAttachment(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if FromRequest(r) != nil {
		t.Error("expected nil before attachment")
	}

	c := &Context{RequestID: "req-42"}
	r2 := WithRequest(r, c)
	got := FromRequest(r2)
	if got == nil || got.RequestID != "req-42" {
		t.Errorf("expected attached context, got %+v", got)
	}
}
