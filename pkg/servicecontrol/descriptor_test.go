package servicecontrol_test

import (
	"testing"
	"time"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

func TestNewDescriptorDefaults(t *testing.T) {
	d := servicecontrol.NewDescriptor("project:abc", "library.books.list", "/v1/books")

	if d.OperationID == "" {
		t.Error("expected generated operation id")
	}
	if d.StartTime.IsZero() {
		t.Error("expected start time to be set")
	}
	if d.ConsumerID != "project:abc" {
		t.Errorf("ConsumerID = %q, want %q", d.ConsumerID, "project:abc")
	}
}

func TestNewDescriptorOptions(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := servicecontrol.NewDescriptor("project:abc", "library.books.get", "/v1/books/1",
		servicecontrol.WithOperationID("op-1"),
		servicecontrol.WithServiceName("library.example.com"),
		servicecontrol.WithQuotaCost("api_calls", 2),
		servicecontrol.WithLabels(map[string]string{"region": "us-east1"}),
		servicecontrol.WithStartTime(start),
	)

	if d.OperationID != "op-1" {
		t.Errorf("OperationID = %q, want op-1", d.OperationID)
	}
	if d.ServiceName != "library.example.com" {
		t.Errorf("ServiceName = %q", d.ServiceName)
	}
	if d.QuotaCosts["api_calls"] != 2 {
		t.Errorf("QuotaCosts[api_calls] = %d, want 2", d.QuotaCosts["api_calls"])
	}
	if d.Labels["region"] != "us-east1" {
		t.Errorf("Labels[region] = %q", d.Labels["region"])
	}
	if !d.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", d.StartTime, start)
	}
}

func TestWithQuotaCostNegativeClamped(t *testing.T) {
	d := servicecontrol.NewDescriptor("c", "m", "r",
		servicecontrol.WithQuotaCost("api_calls", -5),
	)
	if d.QuotaCosts["api_calls"] != 0 {
		t.Errorf("negative cost should clamp to 0, got %d", d.QuotaCosts["api_calls"])
	}
}

func TestCheckKeyIgnoresPerCallFields(t *testing.T) {
	a := servicecontrol.NewDescriptor("project:abc", "library.books.list", "/v1/books",
		servicecontrol.WithOperationID("op-1"),
	)
	b := servicecontrol.NewDescriptor("project:abc", "library.books.list", "/v1/books",
		servicecontrol.WithOperationID("op-2"),
		servicecontrol.WithStartTime(time.Now().Add(time.Hour)),
	)

	if a.CheckKey() != b.CheckKey() {
		t.Error("descriptors differing only in per-call fields must share a check key")
	}
}

func TestCheckKeyDistinguishesIdentity(t *testing.T) {
	base := servicecontrol.NewDescriptor("project:abc", "library.books.list", "/v1/books")
	cases := []*servicecontrol.Descriptor{
		servicecontrol.NewDescriptor("project:other", "library.books.list", "/v1/books"),
		servicecontrol.NewDescriptor("project:abc", "library.books.get", "/v1/books"),
		servicecontrol.NewDescriptor("project:abc", "library.books.list", "/v1/shelves"),
	}
	for i, d := range cases {
		if d.CheckKey() == base.CheckKey() {
			t.Errorf("case %d: distinct descriptors must not collide", i)
		}
	}
}

func TestQuotaKeyPerGroup(t *testing.T) {
	d := servicecontrol.NewDescriptor("project:abc", "m", "r")
	if d.QuotaKey("reads") == d.QuotaKey("writes") {
		t.Error("quota keys for distinct groups must differ")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		429: "4xx",
		500: "5xx",
		0:   "unknown",
		600: "unknown",
	}
	for code, want := range cases {
		if got := servicecontrol.StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
