package scan

import (
	"context"
	"testing"

	"github.com/arjunv/themeflow/internal/theme/executor"
)

func sumOp(a, b int) int { return a + b }

func TestLeftSequentialFallback(t *testing.T) {
	values := []int{1, 2, 3, 4, 5}
	got, err := Left(context.Background(), nil, values, sumOp, 0, 0)
	if err != nil {
		t.Fatalf("Left returned error: %v", err)
	}
	want := []int{1, 3, 6, 10, 15}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Left()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLeftBlockParallelMatchesSequential(t *testing.T) {
	values := make([]int, 37)
	for i := range values {
		values[i] = i + 1
	}
	seq, err := Left(context.Background(), nil, values, sumOp, 0, 0)
	if err != nil {
		t.Fatalf("sequential Left returned error: %v", err)
	}
	pool := executor.NewPool(4)
	par, err := Left(context.Background(), pool, values, sumOp, 0, 5)
	if err != nil {
		t.Fatalf("parallel Left returned error: %v", err)
	}
	if len(seq) != len(par) {
		t.Fatalf("length mismatch: sequential %d, parallel %d", len(seq), len(par))
	}
	for i := range seq {
		if seq[i] != par[i] {
			t.Fatalf("mismatch at %d: sequential %d, parallel %d", i, seq[i], par[i])
		}
	}
}

func TestRightBlockParallelMatchesSequential(t *testing.T) {
	values := make([]int, 29)
	for i := range values {
		values[i] = i + 1
	}
	seq, err := Right(context.Background(), nil, values, sumOp, 0, 0)
	if err != nil {
		t.Fatalf("sequential Right returned error: %v", err)
	}
	pool := executor.NewPool(3)
	par, err := Right(context.Background(), pool, values, sumOp, 0, 4)
	if err != nil {
		t.Fatalf("parallel Right returned error: %v", err)
	}
	if len(seq) != len(par) {
		t.Fatalf("length mismatch: sequential %d, parallel %d", len(seq), len(par))
	}
	for i := range seq {
		if seq[i] != par[i] {
			t.Fatalf("mismatch at %d: sequential %d, parallel %d", i, seq[i], par[i])
		}
	}
}

func TestLeftEmptyInput(t *testing.T) {
	got, err := Left[int](context.Background(), nil, nil, sumOp, 0, 0)
	if err != nil {
		t.Fatalf("Left returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("Left(nil) = %v, want nil", got)
	}
}

func TestLeftMatrixProductOp(t *testing.T) {
	type mat2 [2][2]float64
	mul := func(a, b mat2) mat2 {
		var out mat2
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j]
			}
		}
		return out
	}
	identity := mat2{{1, 0}, {0, 1}}
	values := []mat2{
		{{2, 0}, {0, 1}},
		{{1, 1}, {0, 1}},
		{{3, 0}, {0, 3}},
	}
	seq, err := Left(context.Background(), nil, values, mul, identity, 0)
	if err != nil {
		t.Fatalf("Left returned error: %v", err)
	}
	pool := executor.NewPool(2)
	par, err := Left(context.Background(), pool, values, mul, identity, 1)
	if err != nil {
		t.Fatalf("parallel Left returned error: %v", err)
	}
	for i := range seq {
		if seq[i] != par[i] {
			t.Fatalf("mismatch at %d: sequential %v, parallel %v", i, seq[i], par[i])
		}
	}
}
