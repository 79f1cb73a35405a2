package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "simple endpoint no filters",
			key: Key{
				Endpoint: "/resource/incidents.json",
			},
			want: "dataset:resource/incidents.json",
		},
		{
			name: "endpoint with filter",
			key: Key{
				Endpoint: "/resource/incidents.json",
				Filters:  url.Values{"borough": []string{"BROOKLYN"}},
			},
			want: "dataset:resource/incidents.json:borough=BROOKLYN",
		},
		{
			name: "multiple filters sorted",
			key: Key{
				Endpoint: "/resource/incidents.json",
				Filters: url.Values{
					"year":    []string{"2024"},
					"borough": []string{"QUEENS"},
				},
			},
			want: "dataset:resource/incidents.json:borough=QUEENS:year=2024",
		},
		{
			name: "multi-valued filter",
			key: Key{
				Endpoint: "/resource/incidents.json",
				Filters:  url.Values{"type": []string{"fire", "flood"}},
			},
			want: "dataset:resource/incidents.json:type=fire,flood",
		},
		{
			name: "with page size",
			key: Key{
				Endpoint: "/resource/incidents.json",
				PageSize: 1000,
			},
			want: "dataset:resource/incidents.json:size=1000",
		},
		{
			name: "empty key",
			key:  Key{},
			want: "dataset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKey_Determinism ensures same input always produces same key
func TestKey_Determinism(t *testing.T) {
	key := Key{
		Endpoint: "/resource/incidents.json",
		Filters: url.Values{
			"z": []string{"1"},
			"a": []string{"2"},
			"m": []string{"3"},
		},
		PageSize: 50,
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Errorf("iteration %d: %v, want %v (not deterministic)", i, got, first)
		}
	}
}

func TestMetaKey(t *testing.T) {
	if got := metaKey("dataset:x"); got != "dataset:x:meta" {
		t.Errorf("metaKey() = %v, want dataset:x:meta", got)
	}
}
