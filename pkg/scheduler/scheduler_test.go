package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNewClampsWorkers(t *testing.T) {
	if got := New(0, nil).Workers(); got != runtime.NumCPU() {
		t.Errorf("New(0) has %d workers, want %d", got, runtime.NumCPU())
	}
	if got := New(1<<20, nil).Workers(); got != runtime.NumCPU() {
		t.Errorf("New(huge) has %d workers, want %d", got, runtime.NumCPU())
	}
	if got := New(1, nil).Workers(); got != 1 {
		t.Errorf("New(1) has %d workers", got)
	}
}

func TestMapKeepsIndexOrder(t *testing.T) {
	s := New(4, nil)
	got, err := Map(context.Background(), s, PhaseParse, 20, func(_ context.Context, i int) (int, error) {
		time.Sleep(time.Duration(20-i) * 100 * time.Microsecond)
		return i * i, nil
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	want := make([]int, 20)
	for i := range want {
		want[i] = i * i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestMapBoundsConcurrency(t *testing.T) {
	s := New(2, nil)
	var inFlight, peak atomic.Int32
	err := Each(context.Background(), s, PhaseRelocate, 16, func(context.Context, int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	if p := peak.Load(); int(p) > s.Workers() {
		t.Errorf("%d tasks ran at once with %d workers", p, s.Workers())
	}
}

func TestMapReportsLowestFailingIndex(t *testing.T) {
	for _, workers := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			s := New(workers, nil)
			_, err := Map(context.Background(), s, PhaseParse, 10, func(_ context.Context, i int) (int, error) {
				switch i {
				case 3:
					// Fail after the later task has already failed.
					time.Sleep(5 * time.Millisecond)
					return 0, fmt.Errorf("bad input %d", i)
				case 7:
					return 0, fmt.Errorf("bad input %d", i)
				}
				return i, nil
			})
			var te *TaskError
			if !errors.As(err, &te) {
				t.Fatalf("got %v, want a TaskError", err)
			}
			if te.Index != 3 || te.Phase != PhaseParse || te.Err.Error() != "bad input 3" {
				t.Errorf("got %v, want task 3 of the parse phase", te)
			}
		})
	}
}

func TestMapSkipsTasksAfterFailure(t *testing.T) {
	s := New(1, nil)
	var ran atomic.Int32
	err := Each(context.Background(), s, PhaseRelocate, 8, func(_ context.Context, i int) error {
		ran.Add(1)
		if i == 2 {
			return errors.New("overflow")
		}
		return nil
	})
	if err == nil {
		t.Fatal("Each succeeded")
	}
	if n := ran.Load(); n != 3 {
		t.Errorf("%d tasks ran, want 3", n)
	}
}

func TestTaskErrorUnwraps(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := Each(context.Background(), New(2, nil), PhaseMerge, 1, func(context.Context, int) error {
		return fmt.Errorf("wrapped: %w", sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("errors.Is(%v, sentinel) = false", err)
	}
}

func TestMapStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	_, err := Map(ctx, New(2, nil), PhaseParse, 4, func(context.Context, int) (int, error) {
		ran.Add(1)
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if ran.Load() != 0 {
		t.Errorf("%d tasks ran after cancellation", ran.Load())
	}
}

func TestMapEmpty(t *testing.T) {
	got, err := Map(context.Background(), New(2, nil), PhaseParse, 0, func(context.Context, int) (int, error) {
		t.Error("task called")
		return 0, nil
	})
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	var order []Phase
	record := func(p Phase, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, p)
			return err
		}
	}
	failure := errors.New("layout overflow")
	err := New(1, nil).Pipeline().
		Add(PhaseParse, record(PhaseParse, nil)).
		Add(PhaseMerge, record(PhaseMerge, nil)).
		Add(PhaseLayout, record(PhaseLayout, failure)).
		Add(PhaseRelocate, record(PhaseRelocate, nil)).
		Run(context.Background())
	if !errors.Is(err, failure) {
		t.Errorf("got %v, want the layout failure", err)
	}
	if diff := cmp.Diff([]Phase{PhaseParse, PhaseMerge, PhaseLayout}, order); diff != "" {
		t.Errorf("phase order mismatch (-want +got):\n%s", diff)
	}
}
