package tokenizer

import "testing"

func TestEstimate(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world, this is sixty-four bytes of text for the estimator!", 16},
	}
	for _, c := range cases {
		if got := Estimate(c.in); got != c.want {
			t.Errorf("Estimate(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestWords(t *testing.T) {
	got := Words("Hello, World! I like go-lang and snake_case.")
	want := []string{"hello", "world", "like", "go-lang", "and", "snake_case"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestJaccard(t *testing.T) {
	if got := Jaccard("red apple pie", "red apple pie"); got != 1 {
		t.Errorf("identical texts: got %v, want 1", got)
	}
	if got := Jaccard("red apple", "blue ocean"); got != 0 {
		t.Errorf("disjoint texts: got %v, want 0", got)
	}
	if got := Jaccard("red apple", "red ocean"); got < 0.33 || got > 0.34 {
		t.Errorf("half overlap: got %v, want 1/3", got)
	}
	if got := Jaccard("", ""); got != 0 {
		t.Errorf("empty texts: got %v, want 0", got)
	}
}
