package storage

import (
	"context"
	"testing"
	"time"
)

func TestEndpointsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := StorageEndpoint{
		ID:         "ep-1",
		Provider:   ProviderLocal,
		BucketName: "photos",
		RootPath:   "/srv/media/photos",
		CreatedAt:  base,
	}
	second := StorageEndpoint{
		ID:         "ep-2",
		Provider:   ProviderLocal,
		BucketName: "scans",
		CreatedAt:  base.Add(time.Minute),
	}

	if err := s.CreateEndpoint(first); err != nil {
		t.Fatalf("CreateEndpoint(first): %v", err)
	}
	if err := s.CreateEndpoint(second); err != nil {
		t.Fatalf("CreateEndpoint(second): %v", err)
	}

	got, err := s.GetEndpoint("ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.BucketName != "photos" || got.RootPath != "/srv/media/photos" {
		t.Errorf("unexpected endpoint: %+v", got)
	}

	list, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListEndpoints: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(list))
	}
	if list[0].ID != "ep-1" || list[1].ID != "ep-2" {
		t.Errorf("wrong order: %s, %s", list[0].ID, list[1].ID)
	}
}

func TestCreateEndpointDuplicateBucket(t *testing.T) {
	s := openTestStore(t)

	ep := StorageEndpoint{ID: "ep-1", Provider: ProviderLocal, BucketName: "photos"}
	if err := s.CreateEndpoint(ep); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	dup := StorageEndpoint{ID: "ep-2", Provider: ProviderLocal, BucketName: "photos"}
	if err := s.CreateEndpoint(dup); err != ErrConflict {
		t.Errorf("duplicate (provider, bucket) insert = %v, want ErrConflict", err)
	}

	// Same bucket name under a different provider is allowed.
	other := StorageEndpoint{ID: "ep-3", Provider: ProviderS3, BucketName: "photos"}
	if err := s.CreateEndpoint(other); err != nil {
		t.Errorf("same bucket under another provider: %v", err)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ep := StorageEndpoint{ID: "ep-1", Provider: ProviderLocal, BucketName: "photos"}
	if err := s.CreateEndpoint(ep); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	if err := s.DeleteEndpoint("ep-1"); err != nil {
		t.Fatalf("DeleteEndpoint: %v", err)
	}
	if _, err := s.GetEndpoint("ep-1"); err != ErrNotFound {
		t.Errorf("GetEndpoint after delete = %v, want ErrNotFound", err)
	}
	list, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListEndpoints: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d endpoints after delete, want 0", len(list))
	}

	if err := s.DeleteEndpoint("ep-1"); err != ErrNotFound {
		t.Errorf("second DeleteEndpoint = %v, want ErrNotFound", err)
	}
}

func TestEndpointRoot(t *testing.T) {
	cases := []struct {
		name string
		ep   StorageEndpoint
		want string
	}{
		{"absolute root kept", StorageEndpoint{BucketName: "photos", RootPath: "/mnt/photos"}, "/mnt/photos"},
		{"relative root anchored", StorageEndpoint{BucketName: "photos", RootPath: "imports/photos"}, "/var/pictag/imports/photos"},
		{"empty root uses bucket", StorageEndpoint{BucketName: "photos"}, "/var/pictag/photos"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ep.Root("/var/pictag"); got != tc.want {
				t.Errorf("Root() = %q, want %q", got, tc.want)
			}
		})
	}
}
