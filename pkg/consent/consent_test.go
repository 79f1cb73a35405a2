package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/cache/memory"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Undecided, "undecided"},
		{Granted, "granted"},
		{Denied, "denied"},
		{State(42), "undecided"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		input   string
		want    State
		wantErr bool
	}{
		{input: "granted", want: Granted},
		{input: "ACCEPT", want: Granted},
		{input: "denied", want: Denied},
		{input: " decline ", want: Denied},
		{input: "", want: Undecided},
		{input: "maybe", want: Undecided, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseState(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	var g Gate = Static(Denied)
	if got := g.State(context.Background()); got != Denied {
		t.Errorf("State() = %v, want denied", got)
	}
}

func TestStore_DefaultUndecided(t *testing.T) {
	s := NewStore(memory.New())
	if got := s.State(context.Background()); got != Undecided {
		t.Errorf("State() = %v, want undecided", got)
	}
}

func TestStore_AcceptDecline(t *testing.T) {
	backend := memory.New()
	s := NewStore(backend)
	ctx := context.Background()

	if err := s.Accept(ctx); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if got := s.State(ctx); got != Granted {
		t.Errorf("State() after Accept = %v, want granted", got)
	}

	if err := s.Decline(ctx); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if got := s.State(ctx); got != Denied {
		t.Errorf("State() after Decline = %v, want denied", got)
	}

	// A second store on the same backend sees the persisted decision
	if got := NewStore(backend).State(ctx); got != Denied {
		t.Errorf("persisted State() = %v, want denied", got)
	}
}

func TestStore_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewStore(memory.New(), WithClock(clock))
	ctx := context.Background()

	if err := s.Accept(ctx); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	mu.Lock()
	now = now.Add(DefaultExpiry - time.Hour)
	mu.Unlock()
	if got := s.State(ctx); got != Granted {
		t.Errorf("State() before expiry = %v, want granted", got)
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	if got := s.State(ctx); got != Undecided {
		t.Errorf("State() after expiry = %v, want undecided", got)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore(memory.New())
	ctx := context.Background()

	type transition struct{ from, to State }
	var got []transition
	unsubscribe := s.Subscribe(func(from, to State) {
		got = append(got, transition{from, to})
	})

	_ = s.Accept(ctx)
	_ = s.Accept(ctx) // no change, no event
	_ = s.Decline(ctx)

	unsubscribe()
	_ = s.Reset(ctx)

	want := []transition{{Undecided, Granted}, {Granted, Denied}}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStore_StateObservesExternalChange(t *testing.T) {
	backend := memory.New()
	s := NewStore(backend)
	other := NewStore(backend)
	ctx := context.Background()

	_ = s.Accept(ctx)

	var denied bool
	s.Subscribe(func(_, to State) {
		if to == Denied {
			denied = true
		}
	})

	_ = other.Decline(ctx)
	if got := s.State(ctx); got != Denied {
		t.Fatalf("State() = %v, want denied", got)
	}
	if !denied {
		t.Error("listener not notified of change made through another store")
	}
}

func TestStore_BackendFailureReadsUndecided(t *testing.T) {
	backend := memory.New()
	s := NewStore(backend)
	ctx := context.Background()

	_ = s.Accept(ctx)
	backend.FailWith(errors.New("unavailable"))

	if got := s.State(ctx); got != Undecided {
		t.Errorf("State() with failing backend = %v, want undecided", got)
	}
	if err := s.Decline(ctx); err == nil {
		t.Error("Decline with failing backend should return error")
	}
}
