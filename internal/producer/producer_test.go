package producer

import "testing"

func TestComputeTarget(t *testing.T) {
	cases := []struct {
		name                          string
		cursorHeight, head, batch     uint64
		want                          uint64
	}{
		{"far behind caps at batch size", 100, 10_000, 2000, 2100},
		{"within one batch of head", 9_000, 9_050, 2000, 9_050},
		{"already caught up", 9_050, 9_050, 2000, 9_050},
		{"ahead shouldn't happen but clamps to head", 9_060, 9_050, 2000, 9_050},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := computeTarget(c.cursorHeight, c.head, c.batch)
			if got != c.want {
				t.Errorf("computeTarget(%d, %d, %d) = %d, want %d", c.cursorHeight, c.head, c.batch, got, c.want)
			}
		})
	}
}
