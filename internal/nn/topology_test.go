package nn

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTopologyLegacy(t *testing.T) {
	t.Parallel()

	stages, err := ParseTopology("1,1*1,1", 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	for i, st := range stages {
		if len(st.TpRatios) != 2 {
			t.Errorf("stage %d: expected 2 nodes, got %d", i, len(st.TpRatios))
		}
		if st.NLayers != 4 {
			t.Errorf("stage %d: expected 4 layers, got %d", i, st.NLayers)
		}
	}
}

func TestParseTopologyTwoLevel(t *testing.T) {
	t.Parallel()

	stages, err := ParseTopology("1:2*1:1*2:3", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].NLayers != 1 || stages[1].NLayers != 3 {
		t.Errorf("layer weights 1:2 over 4 layers: got %d/%d, want 1/3",
			stages[0].NLayers, stages[1].NLayers)
	}
	if stages[1].TpRatios[0] != 2 || stages[1].TpRatios[1] != 3 {
		t.Errorf("stage 1 ratios: got %v, want [2 3]", stages[1].TpRatios)
	}
}

func TestParseTopologyNodeCountMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratios string
		nNodes int
		want   string
	}{
		// Legacy-shaped strings whose two-level reinterpretation is not
		// structurally viable report the legacy node count.
		{"1,1*1,1", 3, "Ratios defined 4 nodes, but expected 3"},
		{"1,1", 3, "Ratios defined 2 nodes, but expected 3"},
		// A structurally valid two-level parse reports its own total.
		{"1:2*1:1*2:3", 5, "Ratios defined 4 nodes, but expected 5"},
	}
	for _, tc := range tests {
		t.Run(tc.ratios, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTopology(tc.ratios, tc.nNodes, 8)
			if !errors.Is(err, ErrBadTopology) {
				t.Fatalf("expected ErrBadTopology, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %q, want it to contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestParseTopologyExplicitLayers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ratios  string
		nNodes  int
		nLayers int
		want    []int
		wantErr bool
	}{
		{name: "at syntax", ratios: "1:1@10*1:1@18", nNodes: 4, nLayers: 28, want: []int{10, 18}},
		{name: "legacy colon with commas", ratios: "1,1:10*1,1:18", nNodes: 4, nLayers: 28, want: []int{10, 18}},
		{name: "partial explicit", ratios: "1:1@10*1:1", nNodes: 4, nLayers: 28, want: []int{10, 18}},
		{name: "explicit exceeds model", ratios: "1:1@20*1:1@20", nNodes: 4, nLayers: 28, wantErr: true},
		{name: "explicit sum short", ratios: "1:1@10*1:1@10", nNodes: 4, nLayers: 28, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			stages, err := ParseTopology(tc.ratios, tc.nNodes, tc.nLayers)
			if tc.wantErr {
				if !errors.Is(err, ErrBadTopology) {
					t.Fatalf("expected ErrBadTopology, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for i, want := range tc.want {
				if stages[i].NLayers != want {
					t.Errorf("stage %d: got %d layers, want %d", i, stages[i].NLayers, want)
				}
			}
		})
	}
}

func TestParseTopologySeparators(t *testing.T) {
	t.Parallel()

	for _, ratios := range []string{"1*1", "1;1", "1|1"} {
		stages, err := ParseTopology(ratios, 2, 2)
		if err != nil {
			t.Fatalf("%q: %v", ratios, err)
		}
		if len(stages) != 2 {
			t.Errorf("%q: expected 2 stages, got %d", ratios, len(stages))
		}
	}
}

func TestParseTopologyEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ParseTopology("", 1, 2); !errors.Is(err, ErrBadTopology) {
		t.Fatalf("expected ErrBadTopology, got %v", err)
	}
	if _, err := ParseTopology("1,x", 2, 2); !errors.Is(err, ErrBadTopology) {
		t.Fatalf("expected ErrBadTopology for bad ratio, got %v", err)
	}
}
