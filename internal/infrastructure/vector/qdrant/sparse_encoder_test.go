package qdrant

import "testing"

func TestEncodeSparseTokensDeterministic(t *testing.T) {
	v1 := encodeSparseTokens([]string{"payment", "retry", "bug"})
	v2 := encodeSparseTokens([]string{"payment", "retry", "bug"})
	if len(v1.Indices) != 3 || len(v1.Indices) != len(v2.Indices) {
		t.Fatalf("vector sizes mismatch: v1=%d v2=%d", len(v1.Indices), len(v2.Indices))
	}
	for i := range v1.Indices {
		if v1.Indices[i] != v2.Indices[i] || v1.Values[i] != v2.Values[i] {
			t.Fatalf("mismatch at %d: %d/%f vs %d/%f", i, v1.Indices[i], v1.Values[i], v2.Indices[i], v2.Values[i])
		}
	}
}

func TestEncodeSparseTokensSortsIndices(t *testing.T) {
	v := encodeSparseTokens([]string{"zulu", "alpha", "beta", "gamma"})
	for i := 1; i < len(v.Indices); i++ {
		if v.Indices[i-1] > v.Indices[i] {
			t.Fatalf("indices not sorted at %d: %d > %d", i, v.Indices[i-1], v.Indices[i])
		}
	}
}

func TestEncodeSparseTokensRepeatedTermWeighsMore(t *testing.T) {
	single := encodeSparseTokens([]string{"retry"})
	double := encodeSparseTokens([]string{"retry", "retry"})
	if double.Values[0] <= single.Values[0] {
		t.Fatalf("expected higher weight for repeated term: %f <= %f", double.Values[0], single.Values[0])
	}
}

func TestEncodeSparseTokensEmpty(t *testing.T) {
	v := encodeSparseTokens([]string{"", "  "})
	if len(v.Indices) != 0 || len(v.Values) != 0 {
		t.Fatalf("expected empty sparse vector, got %+v", v)
	}
}
