package status

import (
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.Forwards.Inc()
	m.Forwards.Inc()
	m.BytesSent.Add(4096)

	if got := testutil.ToFloat64(m.Forwards); got != 2 {
		t.Errorf("forwards counter = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 4096 {
		t.Errorf("bytes sent counter = %f, want 4096", got)
	}
}

func TestInfoSnapshotIsolation(t *testing.T) {
	t.Parallel()

	info := &Info{}
	info.Update(func(i *Info) {
		i.Role = "worker"
		i.NodeIndex = 2
		i.Ready = true
	})
	snap := info.snapshot()
	info.Update(func(i *Info) { i.Ready = false })

	if !snap.Ready || snap.Role != "worker" || snap.NodeIndex != 2 {
		t.Errorf("snapshot mutated: role=%q nodeIndex=%d ready=%v", snap.Role, snap.NodeIndex, snap.Ready)
	}
}

func TestInfoJSONFields(t *testing.T) {
	t.Parallel()

	// The wire names are part of the status API.
	want := []string{"role", "nodeIndex", "nNodes", "nStages", "sessionId", "modelPath", "ready"}
	typ := reflect.TypeOf(Info{})
	var tags []string
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("json"); tag != "" {
			tags = append(tags, strings.Split(tag, ",")[0])
		}
	}
	joined := strings.Join(tags, " ")
	for _, field := range want {
		if !strings.Contains(joined, field) {
			t.Errorf("missing json tag %q in %q", field, joined)
		}
	}
}
