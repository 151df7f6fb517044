package s3

import (
	"context"
	"testing"

	"github.com/tidefs-io/scour/internal/placement"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		loc  placement.PoolLocator
		obj  string
		want string
	}{
		{
			name: "no namespace",
			loc:  placement.PoolLocator{PoolID: 3},
			obj:  "100.00000000",
			want: "pool-3/-/100.00000000",
		},
		{
			name: "with namespace",
			loc:  placement.PoolLocator{PoolID: 12, Namespace: "fsvolume"},
			obj:  "2f.00000001",
			want: "pool-12/fsvolume/2f.00000001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey(tt.loc, tt.obj); got != tt.want {
				t.Errorf("ObjectKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
